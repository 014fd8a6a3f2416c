// Package lease provides TTL-bounded, try-acquire locks keyed by string. A lease
// serializes work on one key across goroutines (Memory) or processes (Redis);
// contention is reported, never waited on.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"careflow/pkg/platform/sentinel"
)

// Locker hands out leases. TryAcquire returns sentinel.ErrHeld when another
// holder owns an unexpired lease on key.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is released by its holder; an unreleased lease expires after its TTL.
type Lease interface {
	Release(ctx context.Context) error
}

const numShards = 64

type entry struct {
	token     string
	expiresAt time.Time
}

type shard struct {
	mu     sync.Mutex
	leases map[string]entry
}

// Memory is an in-process Locker. Keys are distributed across mutex shards so
// unrelated keys do not contend.
type Memory struct {
	shards [numShards]shard
	now    func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i].leases = make(map[string]entry)
	}
	return m
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	s := &m.shards[hashKey(key)%numShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	if e, ok := s.leases[key]; ok && now.Before(e.expiresAt) {
		return nil, sentinel.ErrHeld
	}
	token := uuid.NewString()
	s.leases[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return &memoryLease{shard: s, key: key, token: token}, nil
}

type memoryLease struct {
	shard *shard
	key   string
	token string
}

func (l *memoryLease) Release(context.Context) error {
	l.shard.mu.Lock()
	defer l.shard.mu.Unlock()
	// an expired lease may already belong to someone else
	if e, ok := l.shard.leases[l.key]; ok && e.token == l.token {
		delete(l.shard.leases, l.key)
	}
	return nil
}

// hashKey is FNV-1a.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
