package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/analytics/models"
	"careflow/internal/analytics/service"
	"careflow/internal/analytics/store"
	"careflow/internal/events"
	"careflow/internal/events/memlog"
	"careflow/pkg/domain"
	"careflow/pkg/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRouter(svc Service, lag events.LagReporter) http.Handler {
	r := chi.NewRouter()
	New(svc, lag, "analytics", discard).Register(r)
	return r
}

func TestStats(t *testing.T) {
	st := store.NewInMemory()
	pid := domain.NewPatientID()
	_, err := st.Apply(context.Background(), models.Fact{Key: "k", Created: true, PatientID: pid, Plan: "standard"})
	require.NoError(t, err)
	member, err := memlog.New(1).Join("analytics")
	require.NoError(t, err)
	router := newRouter(service.New(st), member)

	req := testutil.WithForwardedIdentity(testutil.NewRequest(t, http.MethodGet, "/analytics/stats"), "alice", domain.RoleUser)
	rr := testutil.DoRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[models.Stats](t, rr)
	assert.Equal(t, int64(1), body.Patients)
	assert.Equal(t, int64(1), body.ByPlan["standard"])

	rr = testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/analytics/stats"))
	testutil.AssertStatus(t, rr, http.StatusUnauthorized)
}

func TestLag(t *testing.T) {
	log := memlog.New(2)
	pid := domain.NewPatientID()
	for v := int64(1); v <= 3; v++ {
		_, err := log.Publish(context.Background(), pid.String(), events.Envelope{
			ID: domain.NewEventID(), Type: events.TypeUpdated, PatientID: pid, Version: v, Payload: []byte(`{}`),
		})
		require.NoError(t, err)
	}
	member, err := log.Join("analytics")
	require.NoError(t, err)
	router := newRouter(service.New(store.NewInMemory()), member)

	req := testutil.WithForwardedIdentity(testutil.NewRequest(t, http.MethodGet, "/analytics/lag"), "alice", domain.RoleUser)
	rr := testutil.DoRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[lagResponse](t, rr)
	assert.Equal(t, "analytics", body.Group)
	assert.Equal(t, int64(3), body.Total)
}

type failingLag struct{}

func (failingLag) Lag(context.Context) (map[int32]int64, error) {
	return nil, errors.New("admin api down")
}

func TestLagUnavailable(t *testing.T) {
	router := newRouter(service.New(store.NewInMemory()), failingLag{})
	req := testutil.WithForwardedIdentity(testutil.NewRequest(t, http.MethodGet, "/analytics/lag"), "alice", domain.RoleUser)
	testutil.AssertStatus(t, testutil.DoRequest(router, req), http.StatusServiceUnavailable)
}
