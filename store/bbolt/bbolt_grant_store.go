// Package bbolt provides an embedded, single-process PersistedGrantStore.
package bbolt

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/store"
	"k8s.io/utils/clock"
)

const (
	grantsBucket   = "grants"
	metadataSuffix = "_meta"
)

// storedItemMetadata lets expiry be checked without decoding the grant.
type storedItemMetadata struct {
	ExpiresAtUnixNano int64
}

// GrantStore keeps grants in a bbolt file. Every operation runs in one bbolt
// transaction, and bbolt allows a single writer, so Consume is atomic.
type GrantStore struct {
	db    *bbolt.DB
	clock clock.PassiveClock
}

var (
	_ store.PersistedGrantStore  = (*GrantStore)(nil)
	_ store.ExpiredGrantRemover = (*GrantStore)(nil)
)

// Open opens or creates the database at dbPath.
func Open(dbPath string, clk clock.PassiveClock) (*GrantStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	log.Info().Str("path", dbPath).Msg("Initializing BBoltDB")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{grantsBucket, grantsBucket + metadataSuffix} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &GrantStore{db: db, clock: clk}, nil
}

// Close closes the database file.
func (s *GrantStore) Close() error {
	return s.db.Close()
}

func buckets(tx *bbolt.Tx) (data, meta *bbolt.Bucket) {
	return tx.Bucket([]byte(grantsBucket)), tx.Bucket([]byte(grantsBucket + metadataSuffix))
}

func encodeMeta(g *domain.PersistedGrant) ([]byte, error) {
	var md storedItemMetadata
	if g.Expiration != nil {
		md.ExpiresAtUnixNano = g.Expiration.UnixNano()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(md); err != nil {
		return nil, fmt.Errorf("failed to encode metadata for key %s: %w", g.Key, err)
	}
	return buf.Bytes(), nil
}

func expired(metaBytes []byte, now time.Time) (bool, error) {
	var md storedItemMetadata
	if err := gob.NewDecoder(bytes.NewReader(metaBytes)).Decode(&md); err != nil {
		return false, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return md.ExpiresAtUnixNano != 0 && now.UnixNano() >= md.ExpiresAtUnixNano, nil
}

// read returns the live grant under key, or nil when absent or expired.
func read(data, meta *bbolt.Bucket, key []byte, now time.Time) (*domain.PersistedGrant, error) {
	metaBytes := meta.Get(key)
	if metaBytes == nil {
		return nil, nil
	}
	isExpired, err := expired(metaBytes, now)
	if err != nil || isExpired {
		return nil, err
	}
	raw := data.Get(key)
	if raw == nil {
		return nil, nil
	}
	var g domain.PersistedGrant
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	return &g, nil
}

func write(data, meta *bbolt.Bucket, g *domain.PersistedGrant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	metaBytes, err := encodeMeta(g)
	if err != nil {
		return err
	}
	if err := data.Put([]byte(g.Key), raw); err != nil {
		return fmt.Errorf("failed to put grant %s: %w", g.Key, err)
	}
	return meta.Put([]byte(g.Key), metaBytes)
}

func remove(data, meta *bbolt.Bucket, key []byte) error {
	if err := data.Delete(key); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return meta.Delete(key)
}

// Get implements store.PersistedGrantStore.
func (s *GrantStore) Get(_ context.Context, key string) (*domain.PersistedGrant, error) {
	var g *domain.PersistedGrant
	err := s.db.View(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		var err error
		g, err = read(data, meta, []byte(key), s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// GetAll implements store.PersistedGrantStore. It scans the bucket; the embedded store
// targets single-node deployments with modest grant counts.
func (s *GrantStore) GetAll(_ context.Context, filter domain.PersistedGrantFilter) ([]*domain.PersistedGrant, error) {
	if err := store.ValidateFilter(filter); err != nil {
		return nil, err
	}
	out := make([]*domain.PersistedGrant, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		now := s.clock.Now()
		return data.ForEach(func(k, _ []byte) error {
			g, err := read(data, meta, k, now)
			if err != nil {
				log.Warn().Err(err).Msg("Skipping unreadable grant")
				return nil
			}
			if g != nil && filter.Matches(g) {
				out = append(out, g)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Store implements store.PersistedGrantStore.
func (s *GrantStore) Store(_ context.Context, grant *domain.PersistedGrant) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		return write(data, meta, grant)
	})
}

// Remove implements store.PersistedGrantStore.
func (s *GrantStore) Remove(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		return remove(data, meta, []byte(key))
	})
}

// RemoveAll implements store.PersistedGrantStore.
func (s *GrantStore) RemoveAll(_ context.Context, filter domain.PersistedGrantFilter) error {
	if err := store.ValidateFilter(filter); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		var keys [][]byte
		err := data.ForEach(func(k, v []byte) error {
			var g domain.PersistedGrant
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			if filter.Matches(&g) {
				keys = append(keys, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := remove(data, meta, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Consume implements store.PersistedGrantStore.
func (s *GrantStore) Consume(_ context.Context, key string, at time.Time) (*domain.PersistedGrant, error) {
	var g *domain.PersistedGrant
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		var err error
		g, err = read(data, meta, []byte(key), s.clock.Now())
		if err != nil {
			return err
		}
		if g == nil {
			return store.ErrNotFound
		}
		if g.IsConsumed() {
			return store.ErrAlreadyConsumed
		}
		consumed := at.UTC()
		g.ConsumedTime = &consumed
		return write(data, meta, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// RemoveExpired implements store.ExpiredGrantRemover.
func (s *GrantStore) RemoveExpired(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, meta := buckets(tx)
		var keys [][]byte
		err := meta.ForEach(func(k, v []byte) error {
			isExpired, err := expired(v, before)
			if err != nil {
				log.Warn().Err(err).Str("key", string(k)).Msg("Skipping grant with unreadable metadata")
				return nil
			}
			if isExpired {
				keys = append(keys, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := remove(data, meta, k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	return removed, err
}
