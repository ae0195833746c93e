// Package store defines the persisted grant contract and the typed stores built on it.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.pilab.hu/ssoengine/domain"
)

var (
	// ErrNotFound is returned when a grant is absent or expired.
	ErrNotFound = errors.New("grant not found")
	// ErrAlreadyConsumed is returned by Consume when the grant was redeemed before.
	ErrAlreadyConsumed = errors.New("grant already consumed")
	// ErrInvalidFilter is returned by GetAll and RemoveAll for empty filters.
	ErrInvalidFilter = errors.New("invalid grant filter")
)

// PersistedGrantStore is the durable key-value store for server-held protocol state.
// Implementations must never return an expired grant and must hand out copies.
type PersistedGrantStore interface {
	// Get returns the grant stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*domain.PersistedGrant, error)
	// GetAll returns the grants matching filter. Empty filters fail with ErrInvalidFilter.
	GetAll(ctx context.Context, filter domain.PersistedGrantFilter) ([]*domain.PersistedGrant, error)
	// Store upserts grant by key.
	Store(ctx context.Context, grant *domain.PersistedGrant) error
	// Remove deletes the grant stored under key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveAll deletes the grants matching filter.
	RemoveAll(ctx context.Context, filter domain.PersistedGrantFilter) error
	// Consume atomically sets ConsumedTime on an unexpired, unconsumed grant and returns
	// the updated copy. Exactly one of any number of concurrent callers succeeds; the
	// others get ErrAlreadyConsumed.
	Consume(ctx context.Context, key string, at time.Time) (*domain.PersistedGrant, error)
}

// ExpiredGrantRemover is implemented by stores that can reclaim expired rows in bulk.
type ExpiredGrantRemover interface {
	RemoveExpired(ctx context.Context, before time.Time) (int, error)
}

// ValidateFilter wraps domain filter validation in ErrInvalidFilter.
func ValidateFilter(filter domain.PersistedGrantFilter) error {
	if err := filter.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return nil
}

// HashKey derives the storage key of a handle. Handles never reach the store in clear text,
// and the grant type is mixed in so one handle cannot address a row of another type.
func HashKey(handle string, grantType domain.PersistedGrantType) string {
	hasher := sha256.New()
	hasher.Write([]byte(handle))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(grantType))
	return hex.EncodeToString(hasher.Sum(nil))
}
