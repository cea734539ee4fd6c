package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when another holder owns the lease.
var ErrNotAcquired = errors.New("lease is held by another dispatcher")

// ErrLeaseLost is returned by Refresh once the lease expired or was taken over.
var ErrLeaseLost = errors.New("lease lost")

type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring leases keyed by name.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	now     func() time.Time
}

type memoryHolder struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]memoryHolder), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holders[key]; ok && now.Before(h.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.holders[key] = memoryHolder{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token, ttl: ttl}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
	ttl    time.Duration
}

func (m *memoryLease) Refresh(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	h, ok := m.locker.holders[m.key]
	if !ok || h.token != m.token {
		return ErrLeaseLost
	}
	h.expires = m.locker.now().Add(m.ttl)
	m.locker.holders[m.key] = h
	return nil
}

func (m *memoryLease) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if h, ok := m.locker.holders[m.key]; ok && h.token == m.token {
		delete(m.locker.holders, m.key)
	}
	return nil
}
