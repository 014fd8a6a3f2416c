package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"careflow/internal/events"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/platform/tx"
)

type InMemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries map[uuid.UUID]*Entry
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *InMemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID]; exists {
		return sentinel.ErrConflict
	}
	s.seq++
	e.Seq = s.seq
	cp := *e
	s.entries[e.ID] = &cp
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entries, e.ID)
	})
	return nil
}

func (s *InMemoryStore) Heads(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := make(map[string]*Entry)
	for _, e := range s.entries {
		if e.State == StatePublished {
			continue
		}
		if h, ok := heads[e.Key]; !ok || e.Seq < h.Seq {
			heads[e.Key] = e
		}
	}
	out := make([]*Entry, 0, len(heads))
	for _, e := range heads {
		if e.State != StatePending || e.NextAttemptAt.After(now) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, id uuid.UUID, pos events.Position, at time.Time) error {
	return s.mutate(id, func(e *Entry) {
		e.State = StatePublished
		e.Position = &pos
		e.PublishedAt = at
		e.LastError = ""
	})
}

func (s *InMemoryStore) MarkRetry(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return s.mutate(id, func(e *Entry) {
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
	})
}

func (s *InMemoryStore) MarkDead(_ context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return s.mutate(id, func(e *Entry) {
		e.State = StateDead
		e.Attempts = attempts
		e.LastError = lastErr
	})
}

func (s *InMemoryStore) ListDead(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.State == StateDead {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Requeue(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if e.State != StateDead {
		return sentinel.ErrInvalidState
	}
	e.State = StatePending
	e.Attempts = 0
	e.NextAttemptAt = at
	return nil
}

func (s *InMemoryStore) CountByState(context.Context) (map[State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[State]int)
	for _, e := range s.entries {
		counts[e.State]++
	}
	return counts, nil
}

// Entries returns every entry in Seq order.
func (s *InMemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *InMemoryStore) mutate(id uuid.UUID, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	fn(e)
	return nil
}

var _ Store = (*InMemoryStore)(nil)
