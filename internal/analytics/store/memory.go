package store

import (
	"context"
	"sync"

	"careflow/internal/analytics/models"
	"careflow/pkg/domain"
)

// InMemoryStore keeps aggregates for a single consumer process.
type InMemoryStore struct {
	mu        sync.Mutex
	processed map[string]struct{}
	plans     map[domain.PatientID]string
	stats     models.Stats
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		processed: make(map[string]struct{}),
		plans:     make(map[domain.PatientID]string),
		stats:     models.Stats{ByPlan: make(map[string]int64)},
	}
}

func (s *InMemoryStore) Apply(_ context.Context, f models.Fact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[f.Key]; seen {
		return false, nil
	}
	s.processed[f.Key] = struct{}{}

	if f.Created {
		s.stats.Patients++
	} else {
		s.stats.Updates++
	}
	if prev, ok := s.plans[f.PatientID]; !ok || prev != f.Plan {
		if ok {
			s.stats.ByPlan[prev]--
			if s.stats.ByPlan[prev] <= 0 {
				delete(s.stats.ByPlan, prev)
			}
		}
		s.stats.ByPlan[f.Plan]++
		s.plans[f.PatientID] = f.Plan
	}
	return true, nil
}

func (s *InMemoryStore) Stats(context.Context) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByPlan = make(map[string]int64, len(s.stats.ByPlan))
	for k, v := range s.stats.ByPlan {
		out.ByPlan[k] = v
	}
	return out, nil
}
