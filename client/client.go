package client

import (
	"context"
	"crypto/rand"
	"fmt"

	"go.pilab.hu/ssoengine/domain"
)

// ClientService resolves clients for the protocol endpoints.
type ClientService struct {
	store    ClientStore
	defaults domain.ClientDefaults
}

// NewClientService creates a new ClientService instance
func NewClientService(store ClientStore, defaults domain.ClientDefaults) *ClientService {
	return &ClientService{
		store:    store,
		defaults: defaults,
	}
}

// GetClient returns the enabled client registered under clientID with server defaults
// applied. Disabled clients are reported as ErrClientNotFound.
func (s *ClientService) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	c, err := s.store.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, ErrClientNotFound
	}
	c.ApplyDefaults(s.defaults)
	return c, nil
}

// RequiresPKCE checks if PKCE is required for a client
func RequiresPKCE(c *domain.Client) bool {
	return c.RequirePKCE || c.IsPublic()
}

const secretCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSecret creates a random client secret of the given length.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid secret length %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	// 256 is not a multiple of 62; reject the tail of the byte range to keep the draw uniform.
	const limit = 256 - 256%len(secretCharset)
	out := make([]byte, 0, length)
	for len(out) < length {
		for _, c := range b {
			if int(c) >= limit {
				continue
			}
			out = append(out, secretCharset[int(c)%len(secretCharset)])
			if len(out) == length {
				break
			}
		}
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate secret: %w", err)
		}
	}
	return string(out), nil
}
