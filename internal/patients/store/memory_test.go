package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/patients/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/platform/tx"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPatient(status models.OnboardingStatus, updated time.Time) *models.Patient {
	return &models.Patient{
		ID:           domain.NewPatientID(),
		Name:         "Ada Lovelace",
		Plan:         "standard",
		RegisteredAt: updated,
		UpdatedAt:    updated,
		Version:      1,
		Status:       status,
	}
}

func TestInMemoryCreateAndFind(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := newPatient(models.StatusPendingDependent, baseTime)

	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, p), sentinel.ErrConflict)

	got, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got.Name = "changed"
	again, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", again.Name, "callers get copies")

	_, err = s.FindByID(ctx, domain.NewPatientID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryUpdateChecksVersion(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := newPatient(models.StatusPendingDependent, baseTime)
	require.NoError(t, s.Create(ctx, p))

	next := p.Clone()
	next.Version = 2
	next.Status = models.StatusActive
	require.NoError(t, s.Update(ctx, next, 1))

	stale := p.Clone()
	stale.Version = 2
	assert.ErrorIs(t, s.Update(ctx, stale, 1), sentinel.ErrConflict)

	missing := newPatient(models.StatusActive, baseTime)
	assert.ErrorIs(t, s.Update(ctx, missing, 1), sentinel.ErrNotFound)

	got, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
}

func TestInMemoryRollsBackWithTransaction(t *testing.T) {
	s := NewInMemory()
	runner := tx.NewMemoryRunner()
	ctx := context.Background()

	existing := newPatient(models.StatusPendingDependent, baseTime)
	require.NoError(t, s.Create(ctx, existing))
	fresh := newPatient(models.StatusPendingDependent, baseTime)

	boom := errors.New("boom")
	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Create(ctx, fresh))
		next := existing.Clone()
		next.Version = 2
		next.Status = models.StatusActive
		require.NoError(t, s.Update(ctx, next, 1))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FindByID(ctx, fresh.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	got, err := s.FindByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, models.StatusPendingDependent, got.Status)
}

func TestInMemoryList(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	old := newPatient(models.StatusPendingDependent, baseTime.Add(-time.Hour))
	older := newPatient(models.StatusPendingDependent, baseTime.Add(-2*time.Hour))
	recent := newPatient(models.StatusPendingDependent, baseTime)
	tired := newPatient(models.StatusPendingDependent, baseTime.Add(-3*time.Hour))
	tired.Attempts = 5
	active := newPatient(models.StatusActive, baseTime.Add(-time.Hour))
	for _, p := range []*models.Patient{old, older, recent, tired, active} {
		require.NoError(t, s.Create(ctx, p))
	}

	got, err := s.List(ctx, models.ListQuery{
		Status:        models.StatusPendingDependent,
		UpdatedBefore: baseTime.Add(-time.Minute),
		MaxAttempts:   5,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older.ID, got[0].ID)
	assert.Equal(t, old.ID, got[1].ID)

	got, err = s.List(ctx, models.ListQuery{Status: models.StatusPendingDependent, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tired.ID, got[0].ID)
}
