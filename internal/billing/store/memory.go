package store

import (
	"context"
	"sync"

	"careflow/internal/billing/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
)

// InMemoryAccountStore keeps accounts keyed by patient, enforcing one account
// per patient.
type InMemoryAccountStore struct {
	mu        sync.RWMutex
	byPatient map[domain.PatientID]models.Account
}

func NewInMemory() *InMemoryAccountStore {
	return &InMemoryAccountStore{byPatient: make(map[domain.PatientID]models.Account)}
}

func (s *InMemoryAccountStore) FindByPatient(_ context.Context, patientID domain.PatientID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byPatient[patientID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &acc, nil
}

func (s *InMemoryAccountStore) Create(_ context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPatient[acc.PatientID]; exists {
		return sentinel.ErrConflict
	}
	s.byPatient[acc.PatientID] = *acc
	return nil
}

func (s *InMemoryAccountStore) Update(_ context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byPatient[acc.PatientID]
	if !ok || existing.ID != acc.ID {
		return sentinel.ErrNotFound
	}
	s.byPatient[acc.PatientID] = *acc
	return nil
}
