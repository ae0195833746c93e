package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.pilab.hu/ssoengine/domain"
)

const handleLength = 32

// NewHandle returns a random, URL-safe handle with 256 bits of entropy.
func NewHandle() (string, error) {
	b := make([]byte, handleLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// grantMeta is the envelope data written alongside a typed payload.
type grantMeta struct {
	ClientID   string
	SubjectID  string
	SessionID  string
	Created    time.Time
	Expiration *time.Time
	Consumed   *time.Time
}

// typedStore serializes payloads of one grant type into PersistedGrant rows.
type typedStore[T any] struct {
	grants    PersistedGrantStore
	grantType domain.PersistedGrantType
}

func (s typedStore[T]) key(handle string) string {
	return HashKey(handle, s.grantType)
}

func (s typedStore[T]) put(ctx context.Context, handle string, meta grantMeta, value *T) error {
	data, err := encodePayload(value)
	if err != nil {
		return err
	}
	return s.grants.Store(ctx, &domain.PersistedGrant{
		Key:          s.key(handle),
		Type:         s.grantType,
		ClientID:     meta.ClientID,
		SubjectID:    meta.SubjectID,
		SessionID:    meta.SessionID,
		CreationTime: meta.Created.UTC(),
		Expiration:   meta.Expiration,
		ConsumedTime: meta.Consumed,
		Data:         data,
	})
}

func (s typedStore[T]) get(ctx context.Context, handle string) (*T, *domain.PersistedGrant, error) {
	if handle == "" {
		return nil, nil, ErrNotFound
	}
	return s.getByKey(ctx, s.key(handle))
}

func (s typedStore[T]) getByKey(ctx context.Context, key string) (*T, *domain.PersistedGrant, error) {
	g, err := s.grants.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if g.Type != s.grantType {
		return nil, nil, ErrNotFound
	}
	v, err := decode[T](g)
	if err != nil {
		return nil, nil, err
	}
	return v, g, nil
}

func (s typedStore[T]) consume(ctx context.Context, handle string, at time.Time) (*T, *domain.PersistedGrant, error) {
	if handle == "" {
		return nil, nil, ErrNotFound
	}
	g, err := s.grants.Consume(ctx, s.key(handle), at)
	if err != nil {
		return nil, nil, err
	}
	if g.Type != s.grantType {
		return nil, nil, ErrNotFound
	}
	v, err := decode[T](g)
	if err != nil {
		return nil, nil, err
	}
	return v, g, nil
}

func (s typedStore[T]) remove(ctx context.Context, handle string) error {
	return s.grants.Remove(ctx, s.key(handle))
}

func (s typedStore[T]) removeAll(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.grants.RemoveAll(ctx, domain.PersistedGrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		SessionID: sessionID,
		Type:      s.grantType,
	})
}

func encodePayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode grant payload: %w", err)
	}
	return string(data), nil
}

func decode[T any](g *domain.PersistedGrant) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(g.Data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", g.Type, err)
	}
	return &v, nil
}

func expiresAt(created time.Time, lifetimeSeconds int) *time.Time {
	if lifetimeSeconds <= 0 {
		return nil
	}
	t := created.Add(time.Duration(lifetimeSeconds) * time.Second).UTC()
	return &t
}

// IsNotFound reports whether err means the grant does not exist for the caller.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
