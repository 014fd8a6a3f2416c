package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/billing/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
)

func newAccount(pid domain.PatientID) *models.Account {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Account{
		ID:         domain.NewAccountID(),
		PatientID:  pid,
		Status:     models.AccountActive,
		HolderName: "Katherine Johnson",
		Plan:       "standard",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInMemoryAccountStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	pid := domain.NewPatientID()

	_, err := s.FindByPatient(ctx, pid)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	acc := newAccount(pid)
	require.NoError(t, s.Create(ctx, acc))
	assert.ErrorIs(t, s.Create(ctx, newAccount(pid)), sentinel.ErrConflict)

	got, err := s.FindByPatient(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	// returned copies do not alias stored state
	got.Plan = "premium"
	again, err := s.FindByPatient(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "standard", again.Plan)

	require.NoError(t, s.Update(ctx, got))
	again, err = s.FindByPatient(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "premium", again.Plan)

	assert.ErrorIs(t, s.Update(ctx, newAccount(domain.NewPatientID())), sentinel.ErrNotFound)
}
