// Package lease guarantees at most one in-flight extraction per target,
// within one process or across processes sharing a Redis.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another worker")

// Lease is an acquired claim on a key.
type Lease interface {
	Key() string
	// Release gives the lease up. Releasing an expired or already released
	// lease is a no-op.
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	// Acquire claims key for ttl or returns ErrHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Key returns the lease key for a target.
func Key(targetID string) string { return "lease:" + targetID }

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal returns an empty LocalLocker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.held[l.key]; ok && e.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
