package store

import (
	"context"
	"sort"
	"sync"

	"careflow/internal/patients/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/platform/tx"
)

// InMemoryPatientStore participates in tx.MemoryRunner transactions.
type InMemoryPatientStore struct {
	mu       sync.RWMutex
	patients map[domain.PatientID]models.Patient
}

func NewInMemory() *InMemoryPatientStore {
	return &InMemoryPatientStore{patients: make(map[domain.PatientID]models.Patient)}
}

func (s *InMemoryPatientStore) Create(ctx context.Context, p *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.patients[p.ID]; exists {
		return sentinel.ErrConflict
	}
	s.patients[p.ID] = *p
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.patients, p.ID)
	})
	return nil
}

func (s *InMemoryPatientStore) FindByID(_ context.Context, id domain.PatientID) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

// Update replaces the stored patient if its version still equals expectedVersion.
func (s *InMemoryPatientStore) Update(ctx context.Context, p *models.Patient, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.patients[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if prev.Version != expectedVersion {
		return sentinel.ErrConflict
	}
	s.patients[p.ID] = *p
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.patients[prev.ID] = prev
	})
	return nil
}

// List returns patients matching q, least recently updated first.
func (s *InMemoryPatientStore) List(_ context.Context, q models.ListQuery) ([]*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Patient
	for _, p := range s.patients {
		if p.Status != q.Status {
			continue
		}
		if !q.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(q.UpdatedBefore) {
			continue
		}
		if q.MaxAttempts > 0 && p.Attempts >= q.MaxAttempts {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
