package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/lock"
)

// DeviceFlowStore persists device authorizations. The row is keyed by the device code; an
// index row keyed by the user code points at it.
type DeviceFlowStore struct {
	codes     typedStore[domain.DeviceCode]
	index     PersistedGrantStore
	retention time.Duration
	locker    lock.Locker
	timeout   time.Duration
}

// NewDeviceFlowStore creates the store. Rows outlive the device code by retention so that
// late polls can be answered with expired_token instead of an unknown-code error. Status
// updates and redemption of one device code are serialized through locker.
func NewDeviceFlowStore(grants PersistedGrantStore, retention time.Duration, locker lock.Locker, timeout time.Duration) *DeviceFlowStore {
	return &DeviceFlowStore{
		codes:     typedStore[domain.DeviceCode]{grants: grants, grantType: domain.GrantDeviceCode},
		index:     grants,
		retention: retention,
		locker:    locker,
		timeout:   timeout,
	}
}

func (s *DeviceFlowStore) lockRow(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "device-code:"+key, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock device authorization: %w", err)
	}
	return unlock, nil
}

// NormalizeUserCode strips separators and case so "bcdf-ghjk" matches "BCDFGHJK".
func NormalizeUserCode(userCode string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(userCode))
}

func (s *DeviceFlowStore) userCodeKey(userCode string) string {
	return HashKey(NormalizeUserCode(userCode), domain.GrantDeviceUserCode)
}

// StoreDeviceAuthorization writes the device row and its user code index row.
func (s *DeviceFlowStore) StoreDeviceAuthorization(ctx context.Context, deviceCode string, data *domain.DeviceCode) error {
	exp := data.ExpiresAt().Add(s.retention).UTC()
	meta := grantMeta{
		ClientID:   data.ClientID,
		SubjectID:  data.SubjectID,
		SessionID:  data.SessionID,
		Created:    data.CreationTime,
		Expiration: &exp,
	}
	if err := s.codes.put(ctx, deviceCode, meta, data); err != nil {
		return err
	}
	idx := &domain.PersistedGrant{
		Key:          s.userCodeKey(data.UserCode),
		Type:         domain.GrantDeviceUserCode,
		ClientID:     data.ClientID,
		CreationTime: data.CreationTime.UTC(),
		Expiration:   &exp,
		Data:         s.codes.key(deviceCode),
	}
	if err := s.index.Store(ctx, idx); err != nil {
		_ = s.codes.remove(ctx, deviceCode)
		return fmt.Errorf("failed to store user code index: %w", err)
	}
	return nil
}

// UserCodeExists reports whether userCode is currently allocated.
func (s *DeviceFlowStore) UserCodeExists(ctx context.Context, userCode string) (bool, error) {
	_, err := s.index.Get(ctx, s.userCodeKey(userCode))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FindByDeviceCode returns the device authorization and its envelope.
func (s *DeviceFlowStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, *domain.PersistedGrant, error) {
	return s.codes.get(ctx, deviceCode)
}

// FindByUserCode resolves the index row and returns the device authorization.
func (s *DeviceFlowStore) FindByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, *domain.PersistedGrant, error) {
	idx, err := s.index.Get(ctx, s.userCodeKey(userCode))
	if err != nil {
		return nil, nil, err
	}
	if idx.Type != domain.GrantDeviceUserCode {
		return nil, nil, ErrNotFound
	}
	return s.codes.getByKey(ctx, idx.Data)
}

// UpdateByUserCode applies update to the authorization identified by userCode and writes
// it back, keeping its expiration. The row is read again under the device code lock, so
// update always sees the latest state and a consumed row is never written back. An error
// from update aborts the write and is returned as is.
func (s *DeviceFlowStore) UpdateByUserCode(ctx context.Context, userCode string, update func(*domain.DeviceCode) error) (*domain.DeviceCode, error) {
	idx, err := s.index.Get(ctx, s.userCodeKey(userCode))
	if err != nil {
		return nil, err
	}
	if idx.Type != domain.GrantDeviceUserCode {
		return nil, ErrNotFound
	}

	unlock, err := s.lockRow(ctx, idx.Data)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, g, err := s.codes.getByKey(ctx, idx.Data)
	if err != nil {
		return nil, err
	}
	if g.IsConsumed() {
		return nil, ErrAlreadyConsumed
	}
	if err := update(data); err != nil {
		return nil, err
	}

	updated := g.Clone()
	updated.SubjectID = data.SubjectID
	updated.SessionID = data.SessionID
	raw, err := encodePayload(data)
	if err != nil {
		return nil, err
	}
	updated.Data = raw
	if err := s.index.Store(ctx, updated); err != nil {
		return nil, err
	}
	return data, nil
}

// Consume redeems the device code. It waits for a concurrent UpdateByUserCode on the same
// code to finish.
func (s *DeviceFlowStore) Consume(ctx context.Context, deviceCode string, at time.Time) (*domain.DeviceCode, error) {
	if deviceCode == "" {
		return nil, ErrNotFound
	}
	unlock, err := s.lockRow(ctx, s.codes.key(deviceCode))
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, _, err := s.codes.consume(ctx, deviceCode, at)
	return data, err
}

// RemoveByDeviceCode deletes the device row and its index row.
func (s *DeviceFlowStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	data, _, err := s.codes.get(ctx, deviceCode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if data != nil {
		if err := s.index.Remove(ctx, s.userCodeKey(data.UserCode)); err != nil {
			return err
		}
	}
	return s.codes.remove(ctx, deviceCode)
}
