// Package lock provides named mutual exclusion with bounded waits.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within the timeout.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Locker acquires named locks. The returned unlock function is idempotent and must be
// called on every exit path.
type Locker interface {
	Lock(ctx context.Context, name string, timeout time.Duration) (unlock func(), err error)
}

// RefreshTokenRotationName is the lock name guarding one refresh token family.
func RefreshTokenRotationName(familyID string) string {
	return "rotate-refresh-token:" + familyID
}

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// Memory is an in-process Locker. Entries are reference counted and dropped when unused.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*memoryEntry)}
}

func (m *Memory) acquireEntry(name string) *memoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[name]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		m.locks[name] = e
	}
	e.refs++
	return e
}

func (m *Memory) releaseEntry(name string, e *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, name)
	}
}

// Lock waits up to timeout for name. Context cancellation aborts the wait.
func (m *Memory) Lock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	e := m.acquireEntry(name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(name, e)
		return nil, ctx.Err()
	case <-timer.C:
		m.releaseEntry(name, e)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.releaseEntry(name, e)
		})
	}, nil
}

// Len reports how many names are currently held or waited on.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
