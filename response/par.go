package response

import (
	"context"
	"time"

	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// PushedAuthorizationResponse is the PAR endpoint payload (RFC 9126).
//
//nolint:tagliatelle
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// PushedAuthorizationResponseGenerator stores validated pushed requests.
type PushedAuthorizationResponseGenerator struct {
	pushed   *store.PushedAuthorizationStore
	lifetime time.Duration
	clock    clock.PassiveClock
	logger   log.Logger
}

func NewPushedAuthorizationResponseGenerator(pushed *store.PushedAuthorizationStore, lifetime time.Duration, clk clock.PassiveClock, logger log.Logger) *PushedAuthorizationResponseGenerator {
	return &PushedAuthorizationResponseGenerator{pushed: pushed, lifetime: lifetime, clock: clk, logger: logger}
}

func (g *PushedAuthorizationResponseGenerator) Generate(ctx context.Context, req *domain.ValidatedAuthorizeRequest) (*PushedAuthorizationResponse, error) {
	row := &domain.PushedAuthorizationRequest{
		ClientID:      req.Client.ClientID,
		Parameters:    req.Raw,
		RequestObject: req.RequestObject,
	}
	handle, err := g.pushed.Store(ctx, row, g.clock.Now().UTC(), g.lifetime)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	g.logger.Debug(ctx, "Authorization request pushed", log.Fields{"client_id": req.Client.ClientID})
	return &PushedAuthorizationResponse{
		RequestURI: domain.PushedAuthorizationURNPrefix + handle,
		ExpiresIn:  int(g.lifetime / time.Second),
	}, nil
}
