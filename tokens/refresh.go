package tokens

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.pilab.hu/ssoengine/domain"
	serrors "go.pilab.hu/ssoengine/errors"
	"go.pilab.hu/ssoengine/internal/metrics"
	"go.pilab.hu/ssoengine/lock"
	"go.pilab.hu/ssoengine/log"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

// RefreshTokenService creates and rotates refresh tokens.
type RefreshTokenService struct {
	tokens        *store.RefreshTokenStore
	locker        lock.Locker
	clock         clock.PassiveClock
	reuseInterval time.Duration
	lockTimeout   time.Duration
	metrics       *metrics.Metrics
	logger        log.Logger
}

func NewRefreshTokenService(
	tokens *store.RefreshTokenStore,
	locker lock.Locker,
	clk clock.PassiveClock,
	reuseInterval, lockTimeout time.Duration,
	m *metrics.Metrics,
	logger log.Logger,
) *RefreshTokenService {
	return &RefreshTokenService{
		tokens:        tokens,
		locker:        locker,
		clock:         clk,
		reuseInterval: reuseInterval,
		lockTimeout:   lockTimeout,
		metrics:       m,
		logger:        logger,
	}
}

// CreateRefreshTokenRequest describes a new refresh token family.
type CreateRefreshTokenRequest struct {
	Client  *domain.Client
	Subject *domain.Subject
	Scopes  []string
	// Confirmation binds the token to a DPoP key. It is only kept for public clients.
	Confirmation string
}

// Create stores the first token of a new family and returns its handle.
func (s *RefreshTokenService) Create(ctx context.Context, req CreateRefreshTokenRequest) (string, error) {
	now := s.clock.Now().UTC()
	c := req.Client
	rt := &domain.RefreshToken{
		FamilyID:           uuid.NewString(),
		ClientID:           c.ClientID,
		SubjectID:          req.Subject.SubjectID,
		SessionID:          req.Subject.SessionID,
		Scopes:             slices.Clone(req.Scopes),
		Claims:             slices.Clone(req.Subject.Claims),
		AuthTime:           req.Subject.AuthTime,
		CreationTime:       now,
		AbsoluteExpiration: now.Add(c.AbsoluteRefreshTokenLifetime),
	}
	if c.IsPublic() {
		rt.ProofKeyThumbprint = req.Confirmation
	}
	rt.Lifetime = s.lifetime(c, rt, now)
	if rt.Lifetime <= 0 {
		return "", serrors.NewConfigurationError("refresh token lifetime must be positive", nil)
	}

	handle, err := s.tokens.Store(ctx, rt)
	if err != nil {
		return "", serrors.NewTransient(err)
	}
	return handle, nil
}

// lifetime returns the row lifetime, in seconds from rt.CreationTime, for a token issued
// or renewed at now.
func (s *RefreshTokenService) lifetime(c *domain.Client, rt *domain.RefreshToken, now time.Time) int {
	end := rt.AbsoluteExpiration
	if c.RefreshTokenExpiration == domain.RefreshTokenExpirationSliding {
		if sliding := now.Add(c.SlidingRefreshTokenLifetime); sliding.Before(end) {
			end = sliding
		}
	}
	return int(end.Sub(rt.CreationTime) / time.Second)
}

// Rotation is the outcome of redeeming a refresh token.
type Rotation struct {
	// Handle is the refresh token to return to the client.
	Handle string
	Token  *domain.RefreshToken
}

// Rotate redeems handle under the family lock. A token superseded within the reuse
// interval resolves to its successor; one presented later revokes the whole family.
func (s *RefreshTokenService) Rotate(ctx context.Context, handle string, c *domain.Client) (*Rotation, error) {
	rt, _, err := s.get(ctx, handle)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	unlock, err := s.locker.Lock(ctx, lock.RefreshTokenRotationName(rt.FamilyID), s.lockTimeout)
	s.metrics.LockWaited(time.Since(started).Seconds())
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	defer unlock()

	// re-read under the lock, the first read only located the family
	rt, g, err := s.get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if rt.ClientID != c.ClientID {
		return nil, serrors.NewInvalidGrant("refresh token was issued to another client")
	}
	now := s.clock.Now().UTC()

	if g.IsConsumed() {
		return s.redeemConsumed(ctx, handle, rt, g, now)
	}

	if c.RefreshTokenUsage == domain.RefreshTokenReUse {
		if c.RefreshTokenExpiration == domain.RefreshTokenExpirationSliding {
			rt.Lifetime = s.lifetime(c, rt, now)
			if err := s.tokens.Put(ctx, handle, rt, nil); err != nil {
				return nil, serrors.NewTransient(err)
			}
		}
		return &Rotation{Handle: handle, Token: rt}, nil
	}

	next := *rt
	next.CreationTime = now
	next.ReplacedByHandle = ""
	next.Lifetime = s.lifetime(c, &next, now)
	if next.Lifetime <= 0 {
		return nil, serrors.NewInvalidGrant("refresh token expired")
	}
	nextHandle, err := s.tokens.Store(ctx, &next)
	if err != nil {
		return nil, serrors.NewTransient(err)
	}

	rt.ReplacedByHandle = nextHandle
	if err := s.tokens.Put(ctx, handle, rt, &now); err != nil {
		_ = s.tokens.Remove(ctx, nextHandle)
		return nil, serrors.NewTransient(err)
	}
	s.metrics.RefreshRotated()
	return &Rotation{Handle: nextHandle, Token: &next}, nil
}

func (s *RefreshTokenService) redeemConsumed(ctx context.Context, handle string, rt *domain.RefreshToken, g *domain.PersistedGrant, now time.Time) (*Rotation, error) {
	if rt.ReplacedByHandle != "" && now.Before(g.ConsumedTime.Add(s.reuseInterval)) {
		head, successor, err := s.chainHead(ctx, rt.ReplacedByHandle)
		if err != nil {
			return nil, err
		}
		s.logger.Debug(ctx, "Refresh token reused within the reuse interval", log.Fields{
			"client_id": rt.ClientID,
			"handle":    log.Redact(handle),
		})
		return &Rotation{Handle: head, Token: successor}, nil
	}

	s.metrics.RefreshReuseDetected()
	removed, err := s.tokens.RemoveFamily(ctx, rt.SubjectID, rt.ClientID, rt.FamilyID)
	s.logger.Warn(ctx, "Rotated refresh token reused, family revoked", log.Fields{
		"client_id":  rt.ClientID,
		"subject_id": rt.SubjectID,
		"family_id":  rt.FamilyID,
		"removed":    removed,
	})
	if err != nil {
		return nil, serrors.NewTransient(err)
	}
	return nil, serrors.NewInvalidGrant("refresh token has already been used")
}

// maxChainHops bounds the walk along ReplacedByHandle links.
const maxChainHops = 32

// chainHead follows the rotation chain starting at handle to the token that has not
// been consumed yet.
func (s *RefreshTokenService) chainHead(ctx context.Context, handle string) (string, *domain.RefreshToken, error) {
	for range maxChainHops {
		rt, g, err := s.get(ctx, handle)
		if err != nil {
			return "", nil, err
		}
		if !g.IsConsumed() {
			return handle, rt, nil
		}
		if rt.ReplacedByHandle == "" {
			return "", nil, serrors.NewInvalidGrant("refresh token has already been used")
		}
		handle = rt.ReplacedByHandle
	}
	return "", nil, serrors.NewInvalidGrant("refresh token rotation chain too long")
}

// Get returns the refresh token stored under handle, or invalid_grant.
func (s *RefreshTokenService) Get(ctx context.Context, handle string) (*domain.RefreshToken, error) {
	rt, _, err := s.get(ctx, handle)
	return rt, err
}

func (s *RefreshTokenService) get(ctx context.Context, handle string) (*domain.RefreshToken, *domain.PersistedGrant, error) {
	rt, g, err := s.tokens.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, serrors.NewInvalidGrant("invalid refresh token")
		}
		return nil, nil, serrors.NewTransient(err)
	}
	return rt, g, nil
}

// Lookup returns the refresh token under handle when it can still be redeemed. Consumed
// and unknown tokens yield nil without error.
func (s *RefreshTokenService) Lookup(ctx context.Context, handle string) (*domain.RefreshToken, error) {
	rt, g, err := s.tokens.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if g.IsConsumed() {
		return nil, nil
	}
	return rt, nil
}

// Revoke removes the family of the token stored under handle if it belongs to clientID.
// Unknown tokens are ignored.
func (s *RefreshTokenService) Revoke(ctx context.Context, handle, clientID string) (bool, error) {
	rt, _, err := s.tokens.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rt.ClientID != clientID {
		return false, nil
	}
	if _, err := s.tokens.RemoveFamily(ctx, rt.SubjectID, rt.ClientID, rt.FamilyID); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAll revokes every refresh token issued to subjectID for clientID, optionally
// limited to one session.
func (s *RefreshTokenService) RemoveAll(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.tokens.RemoveAll(ctx, subjectID, clientID, sessionID)
}
