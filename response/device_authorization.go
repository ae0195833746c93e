package response

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.pilab.hu/ssoengine/config"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

const userCodeAttempts = 5

// DeviceAuthorizationResponse is the device authorization endpoint payload (RFC 8628).
//
//nolint:tagliatelle
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceAuthorizationResponseGenerator issues device and user codes.
type DeviceAuthorizationResponseGenerator struct {
	devices *store.DeviceFlowStore
	opts    config.DeviceOptions
	uri     string
	clock   clock.PassiveClock
	logger  log.Logger
}

func NewDeviceAuthorizationResponseGenerator(devices *store.DeviceFlowStore, opts config.Options, clk clock.PassiveClock, logger log.Logger) *DeviceAuthorizationResponseGenerator {
	return &DeviceAuthorizationResponseGenerator{
		devices: devices,
		opts:    opts.Device,
		uri:     opts.DeviceVerificationURI(),
		clock:   clk,
		logger:  logger,
	}
}

// Generate stores a pending device authorization for req.
func (g *DeviceAuthorizationResponseGenerator) Generate(ctx context.Context, req *domain.ValidatedDeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	deviceCode, err := store.NewHandle()
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	userCode, err := g.uniqueUserCode(ctx)
	if err != nil {
		return nil, err
	}

	c := req.Client
	data := &domain.DeviceCode{
		UserCode:        userCode,
		ClientID:        c.ClientID,
		RequestedScopes: req.RequestedScopes,
		Status:          domain.DeviceCodeStatusPending,
		CreationTime:    g.clock.Now().UTC(),
		Lifetime:        int(c.DeviceCodeLifetime / time.Second),
		Interval:        int(c.PollingInterval / time.Second),
	}
	if err := g.devices.StoreDeviceAuthorization(ctx, deviceCode, data); err != nil {
		return nil, serrors.NewTransient(err)
	}
	g.logger.Debug(ctx, "Device authorization started", log.Fields{"client_id": c.ClientID})

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         g.uri,
		VerificationURIComplete: g.uri + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               data.Lifetime,
		Interval:                data.Interval,
	}, nil
}

func (g *DeviceAuthorizationResponseGenerator) uniqueUserCode(ctx context.Context) (string, error) {
	for range userCodeAttempts {
		code, err := generateUserCode(g.opts.UserCodeLength, g.opts.UserCodeCharset, g.opts.UserCodeChunk)
		if err != nil {
			return "", serrors.NewTransient(err)
		}
		exists, err := g.devices.UserCodeExists(ctx, code)
		if err != nil {
			return "", serrors.NewTransient(err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", serrors.NewTransient(errors.New("failed to generate a unique user code"))
}

// generateUserCode generates a user-friendly code in chunkSize groups separated by '-'.
func generateUserCode(length int, charset string, chunkSize int) (string, error) {
	if length <= 0 || len(charset) == 0 || len(charset) > 256 {
		return "", fmt.Errorf("invalid user code settings: length %d, charset size %d", length, len(charset))
	}
	// reject bytes above the largest multiple of the charset size so every character is
	// equally likely
	limit := 256 - 256%len(charset)

	b := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(b) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes for user code: %w", err)
		}
		for _, r := range buf {
			if int(r) < limit && len(b) < length {
				b = append(b, charset[int(r)%len(charset)])
			}
		}
	}

	if chunkSize <= 0 {
		return string(b), nil
	}

	var result strings.Builder
	for i, char := range b {
		if i > 0 && i%chunkSize == 0 {
			result.WriteString("-")
		}
		result.WriteByte(char)
	}
	return result.String(), nil
}
