package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"careflow/internal/patients/outbox"
	"careflow/internal/patients/ports"
	"careflow/internal/patients/ports/mocks"
	"careflow/internal/patients/service"
	"careflow/internal/patients/store"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/lease"
	"careflow/pkg/platform/tx"
	"careflow/pkg/testutil"
)

type fixture struct {
	router  http.Handler
	billing *mocks.MockBillingPort
	outbox  *outbox.InMemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		billing: mocks.NewMockBillingPort(gomock.NewController(t)),
		outbox:  outbox.NewInMemory(),
	}
	svc := service.New(store.NewInMemory(), f.outbox, tx.NewMemoryRunner(), f.billing, lease.NewMemory(),
		service.WithReconcileGrace(time.Nanosecond))
	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, role domain.Role) *http.Request {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(t, method, path, body)
	} else {
		req = testutil.NewRequest(t, method, path)
	}
	return testutil.WithForwardedIdentity(req, "alice", role)
}

var ada = map[string]any{"name": "Ada Lovelace", "date_of_birth": "1990-12-10", "plan": "standard"}

func TestCreatePatient(t *testing.T) {
	t.Run("confirmed is 201", func(t *testing.T) {
		f := newFixture(t)
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&ports.AccountHandle{AccountID: "B1", Status: "ACTIVE"}, nil)

		rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", ada, domain.RoleUser))
		testutil.AssertStatus(t, rr, http.StatusCreated)
		body := testutil.UnmarshalResponse[onboardingResponse](t, rr)
		assert.Equal(t, "CONFIRMED", body.Outcome)
		assert.Equal(t, "ACTIVE", body.Patient.Status)
		assert.Equal(t, "B1", body.Patient.BillingAccountID)
	})

	t.Run("rejected is 422 and the patient is kept", func(t *testing.T) {
		f := newFixture(t)
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeDependentRejected, "unsupported_plan"))

		rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", ada, domain.RoleUser))
		testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity)
		body := testutil.UnmarshalResponse[onboardingResponse](t, rr)
		assert.Equal(t, "REJECTED", body.Outcome)
		assert.Equal(t, "unsupported_plan", body.Reason)

		rr = testutil.DoRequest(f.router, f.do(t, http.MethodGet, "/patients/"+body.Patient.ID, nil, domain.RoleUser))
		testutil.AssertStatus(t, rr, http.StatusOK)
		testutil.AssertJSONContains(t, rr, "status", "DEPENDENT_REJECTED")
	})

	t.Run("billing timeout is 202 pending", func(t *testing.T) {
		f := newFixture(t)
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Wrap(context.DeadlineExceeded, dErrors.CodeTimeout, "billing call timed out"))

		rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", ada, domain.RoleUser))
		testutil.AssertStatus(t, rr, http.StatusAccepted)
		body := testutil.UnmarshalResponse[onboardingResponse](t, rr)
		assert.Equal(t, "PENDING", body.Outcome)
		assert.Equal(t, "PENDING_DEPENDENT", body.Patient.Status)
		assert.Empty(t, f.outbox.Entries())
	})

	t.Run("missing name is 400", func(t *testing.T) {
		f := newFixture(t)
		rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", map[string]any{"plan": "standard"}, domain.RoleUser))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	t.Run("unknown fields are 400", func(t *testing.T) {
		f := newFixture(t)
		rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", map[string]any{"name": "x", "plan": "y", "ssn": "1"}, domain.RoleUser))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	t.Run("missing identity is 401", func(t *testing.T) {
		f := newFixture(t)
		rr := testutil.DoRequest(f.router, testutil.NewJSONRequest(t, http.MethodPost, "/patients", ada))
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	})
}

func TestUpdateAndRetry(t *testing.T) {
	f := newFixture(t)
	gomock.InOrder(
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeDependentUnreachable, "billing unreachable")),
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&ports.AccountHandle{AccountID: "B1"}, nil),
		f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&ports.AccountHandle{AccountID: "B1"}, nil),
	)

	rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", ada, domain.RoleUser))
	testutil.AssertStatus(t, rr, http.StatusAccepted)
	created := testutil.UnmarshalResponse[onboardingResponse](t, rr)
	path := "/patients/" + created.Patient.ID

	rr = testutil.DoRequest(f.router, f.do(t, http.MethodPost, path+"/onboarding/retry", nil, domain.RoleUser))
	testutil.AssertStatus(t, rr, http.StatusOK)
	retried := testutil.UnmarshalResponse[onboardingResponse](t, rr)
	assert.Equal(t, "ACTIVE", retried.Patient.Status)

	update := map[string]any{"name": "Ada King", "plan": "standard", "version": created.Patient.Version}
	rr = testutil.DoRequest(f.router, f.do(t, http.MethodPut, path, update, domain.RoleUser))
	testutil.AssertStatusAndError(t, rr, http.StatusConflict, string(dErrors.CodeConflict))

	update["version"] = retried.Patient.Version
	rr = testutil.DoRequest(f.router, f.do(t, http.MethodPut, path, update, domain.RoleUser))
	testutil.AssertStatus(t, rr, http.StatusOK)
	testutil.AssertJSONContains(t, rr, "outcome", "CONFIRMED")

	rr = testutil.DoRequest(f.router, f.do(t, http.MethodPut, path, map[string]any{"name": "x", "plan": "y"}, domain.RoleUser))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))

	require.Len(t, f.outbox.Entries(), 2)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	f.billing.EXPECT().CreateAccount(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ports.AccountHandle{AccountID: "B1"}, nil)
	rr := testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/patients", ada, domain.RoleUser))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	entry := f.outbox.Entries()[0]
	require.NoError(t, f.outbox.MarkDead(context.Background(), entry.ID, 8, "broker unavailable"))

	t.Run("users are forbidden", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, f.do(t, http.MethodGet, "/admin/outbox/dead", nil, domain.RoleUser))
		testutil.AssertStatus(t, rr, http.StatusForbidden)
	})

	t.Run("admins list and requeue dead entries", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, f.do(t, http.MethodGet, "/admin/outbox/dead", nil, domain.RoleAdmin))
		testutil.AssertStatus(t, rr, http.StatusOK)
		body := testutil.UnmarshalResponse[struct {
			Entries []deadEntryResponse `json:"entries"`
		}](t, rr)
		require.Len(t, body.Entries, 1)
		assert.Equal(t, "broker unavailable", body.Entries[0].LastError)

		rr = testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/admin/outbox/"+entry.ID.String()+"/requeue", nil, domain.RoleAdmin))
		testutil.AssertStatus(t, rr, http.StatusNoContent)

		rr = testutil.DoRequest(f.router, f.do(t, http.MethodPost, "/admin/outbox/"+entry.ID.String()+"/requeue", nil, domain.RoleAdmin))
		testutil.AssertStatus(t, rr, http.StatusConflict)
	})

	t.Run("reconcile view lists nothing when all patients are active", func(t *testing.T) {
		rr := testutil.DoRequest(f.router, f.do(t, http.MethodGet, "/admin/patients/reconcile?limit=10", nil, domain.RoleAdmin))
		testutil.AssertStatus(t, rr, http.StatusOK)
		body := testutil.UnmarshalResponse[struct {
			Patients []patientResponse `json:"patients"`
		}](t, rr)
		assert.Empty(t, body.Patients)
	})
}
