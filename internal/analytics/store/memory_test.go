package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/analytics/models"
	"careflow/pkg/domain"
)

func TestInMemoryApplyIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	pid := domain.NewPatientID()
	fact := models.Fact{Key: "CREATED:" + pid.String() + ":2", Created: true, PatientID: pid, Plan: "standard"}

	applied, err := s.Apply(ctx, fact)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Apply(ctx, fact)
	require.NoError(t, err)
	assert.False(t, applied)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Patients)
	assert.Equal(t, map[string]int64{"standard": 1}, stats.ByPlan)
}

func TestInMemoryPlanChangeMovesPatient(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a, b := domain.NewPatientID(), domain.NewPatientID()

	for _, f := range []models.Fact{
		{Key: "CREATED:a:2", Created: true, PatientID: a, Plan: "standard"},
		{Key: "CREATED:b:2", Created: true, PatientID: b, Plan: "standard"},
		{Key: "UPDATED:a:4", PatientID: a, Plan: "premium"},
		{Key: "UPDATED:b:4", PatientID: b, Plan: "standard"},
	} {
		_, err := s.Apply(ctx, f)
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Patients)
	assert.Equal(t, int64(2), stats.Updates)
	assert.Equal(t, map[string]int64{"standard": 1, "premium": 1}, stats.ByPlan)

	stats.ByPlan["standard"] = 99
	again, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.ByPlan["standard"], "callers get copies")
}
