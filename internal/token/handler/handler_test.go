package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/token"
	"careflow/pkg/domain"
	"careflow/pkg/testutil"
)

func newRouter(t *testing.T) (http.Handler, *token.Service) {
	t.Helper()
	creds := token.NewMemoryCredentials()
	require.NoError(t, creds.Put("alice", "pw-alice", domain.RoleAdmin))
	svc := token.New("handler-test-key-0123456789abcdef", creds, token.WithTTL(5*time.Minute))

	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r, svc
}

func TestLogin(t *testing.T) {
	router, svc := newRouter(t)

	testutil.Given(t, "valid credentials", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{
			"subject": "alice", "password": "pw-alice",
		})
		rr := testutil.DoRequest(router, req)

		testutil.Then(t, "a verifiable bearer token is returned", func(t *testing.T) {
			testutil.AssertStatus(t, rr, http.StatusOK)
			resp := testutil.UnmarshalResponse[loginResponse](t, rr)
			assert.Equal(t, "Bearer", resp.TokenType)
			assert.Equal(t, int64(300), resp.ExpiresIn)

			id, err := svc.Verify(resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, "alice", id.Subject)
			assert.Equal(t, domain.RoleAdmin, id.Role)
		})
	})

	testutil.Given(t, "a wrong password", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{
			"subject": "alice", "password": "guess",
		})
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})

	testutil.Given(t, "a malformed body", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/auth/login", nil)
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
	})

	testutil.Given(t, "an unknown role", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/auth/login", map[string]string{
			"subject": "alice", "password": "pw-alice", "role": "ROOT",
		})
		rr := testutil.DoRequest(router, req)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})
}
