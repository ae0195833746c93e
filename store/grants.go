package store

import (
	"context"
	"fmt"
	"time"

	"go.pilab.hu/ssoengine/domain"
)

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore struct {
	typed typedStore[domain.AuthorizationCode]
}

func NewAuthorizationCodeStore(grants PersistedGrantStore) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{typed: typedStore[domain.AuthorizationCode]{grants: grants, grantType: domain.GrantAuthorizationCode}}
}

// Store saves code under a fresh handle and returns the handle.
func (s *AuthorizationCodeStore) Store(ctx context.Context, code *domain.AuthorizationCode) (string, error) {
	handle, err := NewHandle()
	if err != nil {
		return "", err
	}
	meta := grantMeta{
		ClientID:   code.ClientID,
		SubjectID:  code.SubjectID,
		SessionID:  code.SessionID,
		Created:    code.CreationTime,
		Expiration: expiresAt(code.CreationTime, code.Lifetime),
	}
	if err := s.typed.put(ctx, handle, meta, code); err != nil {
		return "", err
	}
	return handle, nil
}

// Get returns the code and its envelope. Consumed codes are returned so callers can detect replay.
func (s *AuthorizationCodeStore) Get(ctx context.Context, handle string) (*domain.AuthorizationCode, *domain.PersistedGrant, error) {
	return s.typed.get(ctx, handle)
}

// Consume marks the code redeemed. Only one caller ever succeeds.
func (s *AuthorizationCodeStore) Consume(ctx context.Context, handle string, at time.Time) (*domain.AuthorizationCode, error) {
	code, _, err := s.typed.consume(ctx, handle, at)
	return code, err
}

func (s *AuthorizationCodeStore) Remove(ctx context.Context, handle string) error {
	return s.typed.remove(ctx, handle)
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore struct {
	typed typedStore[domain.RefreshToken]
}

func NewRefreshTokenStore(grants PersistedGrantStore) *RefreshTokenStore {
	return &RefreshTokenStore{typed: typedStore[domain.RefreshToken]{grants: grants, grantType: domain.GrantRefreshToken}}
}

// Store saves token under a fresh handle and returns the handle.
func (s *RefreshTokenStore) Store(ctx context.Context, token *domain.RefreshToken) (string, error) {
	handle, err := NewHandle()
	if err != nil {
		return "", err
	}
	if err := s.Put(ctx, handle, token, nil); err != nil {
		return "", err
	}
	return handle, nil
}

// Put upserts token under an existing handle, recording consumedAt when the token was rotated away.
func (s *RefreshTokenStore) Put(ctx context.Context, handle string, token *domain.RefreshToken, consumedAt *time.Time) error {
	meta := grantMeta{
		ClientID:   token.ClientID,
		SubjectID:  token.SubjectID,
		SessionID:  token.SessionID,
		Created:    token.CreationTime,
		Expiration: expiresAt(token.CreationTime, token.Lifetime),
		Consumed:   consumedAt,
	}
	return s.typed.put(ctx, handle, meta, token)
}

func (s *RefreshTokenStore) Get(ctx context.Context, handle string) (*domain.RefreshToken, *domain.PersistedGrant, error) {
	return s.typed.get(ctx, handle)
}

func (s *RefreshTokenStore) Remove(ctx context.Context, handle string) error {
	return s.typed.remove(ctx, handle)
}

// RemoveAll deletes refresh tokens by subject, client and session. At least one must be set.
func (s *RefreshTokenStore) RemoveAll(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.typed.removeAll(ctx, subjectID, clientID, sessionID)
}

// RemoveFamily deletes every refresh token of one rotation family and returns how many were removed.
func (s *RefreshTokenStore) RemoveFamily(ctx context.Context, subjectID, clientID, familyID string) (int, error) {
	grants, err := s.typed.grants.GetAll(ctx, domain.PersistedGrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		Type:      domain.GrantRefreshToken,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list refresh token family: %w", err)
	}
	removed := 0
	for _, g := range grants {
		rt, err := decode[domain.RefreshToken](g)
		if err != nil || rt.FamilyID != familyID {
			continue
		}
		if err := s.typed.grants.Remove(ctx, g.Key); err != nil {
			return removed, fmt.Errorf("failed to remove refresh token: %w", err)
		}
		removed++
	}
	return removed, nil
}

// ReferenceTokenStore persists reference access tokens.
type ReferenceTokenStore struct {
	typed typedStore[domain.Token]
}

func NewReferenceTokenStore(grants PersistedGrantStore) *ReferenceTokenStore {
	return &ReferenceTokenStore{typed: typedStore[domain.Token]{grants: grants, grantType: domain.GrantReferenceToken}}
}

// Store saves token under a fresh handle and returns the handle.
func (s *ReferenceTokenStore) Store(ctx context.Context, token *domain.Token) (string, error) {
	handle, err := NewHandle()
	if err != nil {
		return "", err
	}
	exp := token.Expiration().UTC()
	sid, _ := token.Claims.Get("sid")
	sessionID, _ := sid.(string)
	meta := grantMeta{
		ClientID:   token.ClientID,
		SubjectID:  token.SubjectID(),
		SessionID:  sessionID,
		Created:    token.CreationTime,
		Expiration: &exp,
	}
	if err := s.typed.put(ctx, handle, meta, token); err != nil {
		return "", err
	}
	return handle, nil
}

func (s *ReferenceTokenStore) Get(ctx context.Context, handle string) (*domain.Token, error) {
	t, _, err := s.typed.get(ctx, handle)
	return t, err
}

func (s *ReferenceTokenStore) Remove(ctx context.Context, handle string) error {
	return s.typed.remove(ctx, handle)
}

func (s *ReferenceTokenStore) RemoveAll(ctx context.Context, subjectID, clientID string) error {
	return s.typed.removeAll(ctx, subjectID, clientID, "")
}

// ConsentStore persists user consent, one row per subject and client.
type ConsentStore struct {
	typed typedStore[domain.Consent]
}

func NewConsentStore(grants PersistedGrantStore) *ConsentStore {
	return &ConsentStore{typed: typedStore[domain.Consent]{grants: grants, grantType: domain.GrantUserConsent}}
}

func consentHandle(subjectID, clientID string) string {
	return subjectID + "|" + clientID
}

func (s *ConsentStore) Store(ctx context.Context, consent *domain.Consent) error {
	meta := grantMeta{
		ClientID:   consent.ClientID,
		SubjectID:  consent.SubjectID,
		Created:    consent.CreationTime,
		Expiration: consent.Expiration,
	}
	return s.typed.put(ctx, consentHandle(consent.SubjectID, consent.ClientID), meta, consent)
}

func (s *ConsentStore) Get(ctx context.Context, subjectID, clientID string) (*domain.Consent, error) {
	c, _, err := s.typed.get(ctx, consentHandle(subjectID, clientID))
	return c, err
}

func (s *ConsentStore) Remove(ctx context.Context, subjectID, clientID string) error {
	return s.typed.remove(ctx, consentHandle(subjectID, clientID))
}

// PushedAuthorizationStore persists pushed authorization requests. Each is usable once.
type PushedAuthorizationStore struct {
	typed typedStore[domain.PushedAuthorizationRequest]
}

func NewPushedAuthorizationStore(grants PersistedGrantStore) *PushedAuthorizationStore {
	return &PushedAuthorizationStore{typed: typedStore[domain.PushedAuthorizationRequest]{grants: grants, grantType: domain.GrantPushedAuthorization}}
}

// Store saves req and returns its handle.
func (s *PushedAuthorizationStore) Store(ctx context.Context, req *domain.PushedAuthorizationRequest, created time.Time, lifetime time.Duration) (string, error) {
	handle, err := NewHandle()
	if err != nil {
		return "", err
	}
	meta := grantMeta{
		ClientID:   req.ClientID,
		Created:    created,
		Expiration: expiresAt(created, int(lifetime/time.Second)),
	}
	if err := s.typed.put(ctx, handle, meta, req); err != nil {
		return "", err
	}
	return handle, nil
}

// Consume redeems the pushed request.
func (s *PushedAuthorizationStore) Consume(ctx context.Context, handle string, at time.Time) (*domain.PushedAuthorizationRequest, error) {
	req, _, err := s.typed.consume(ctx, handle, at)
	return req, err
}
