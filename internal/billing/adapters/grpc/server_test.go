package grpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	billingv1 "careflow/contracts/billing/v1"
	"careflow/internal/billing/service"
	"careflow/internal/billing/store"
	"careflow/pkg/domain"
)

func startServer(t *testing.T) (billingv1.BillingServiceClient, *service.Service, *grpc.ClientConn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(store.NewInMemory(), []string{"standard", "premium"},
		service.WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))

	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(NewServer(svc, logger), logger)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return billingv1.NewBillingServiceClient(conn), svc, conn
}

func createRequest(patientID string) *billingv1.CreateAccountRequest {
	return &billingv1.CreateAccountRequest{
		SchemaVersion: billingv1.SchemaVersion,
		RequestID:     "req-1",
		PatientID:     patientID,
		Attributes: billingv1.AccountAttributes{
			HolderName:  "Grace Hopper",
			DateOfBirth: "1906-12-09",
			Plan:        "standard",
		},
	}
}

func TestCreateAccount(t *testing.T) {
	client, _, _ := startServer(t)
	ctx := context.Background()
	pid := domain.NewPatientID().String()

	t.Run("returns an active account handle", func(t *testing.T) {
		resp, err := client.CreateAccount(ctx, createRequest(pid))
		require.NoError(t, err)
		require.NotNil(t, resp.Account)
		assert.Nil(t, resp.Rejection)
		assert.Equal(t, billingv1.SchemaVersion, resp.SchemaVersion)
		assert.Equal(t, pid, resp.Account.PatientID)
		assert.Equal(t, billingv1.AccountActive, resp.Account.Status)
		assert.NotZero(t, resp.Account.CreatedAt)
	})

	t.Run("is idempotent per patient", func(t *testing.T) {
		first, err := client.CreateAccount(ctx, createRequest(pid))
		require.NoError(t, err)
		second, err := client.CreateAccount(ctx, createRequest(pid))
		require.NoError(t, err)
		assert.Equal(t, first.Account.AccountID, second.Account.AccountID)
	})

	t.Run("unsupported plan is a rejection, not an error", func(t *testing.T) {
		req := createRequest(domain.NewPatientID().String())
		req.Attributes.Plan = "platinum"
		resp, err := client.CreateAccount(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, resp.Rejection)
		assert.Nil(t, resp.Account)
		assert.Equal(t, billingv1.RejectUnsupportedPlan, resp.Rejection.Reason)
	})

	t.Run("schema mismatch is a rejection", func(t *testing.T) {
		req := createRequest(domain.NewPatientID().String())
		req.SchemaVersion = 99
		resp, err := client.CreateAccount(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, resp.Rejection)
		assert.Equal(t, billingv1.RejectSchemaMismatch, resp.Rejection.Reason)
	})

	t.Run("missing holder name is invalid argument", func(t *testing.T) {
		req := createRequest(domain.NewPatientID().String())
		req.Attributes.HolderName = ""
		_, err := client.CreateAccount(ctx, req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("malformed patient id is invalid argument", func(t *testing.T) {
		_, err := client.CreateAccount(ctx, createRequest("not-a-uuid"))
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestCreateAccount_FailedAccountRejected(t *testing.T) {
	client, svc, _ := startServer(t)
	ctx := context.Background()
	pid := domain.NewPatientID()

	_, err := client.CreateAccount(ctx, createRequest(pid.String()))
	require.NoError(t, err)
	_, err = svc.MarkFailed(ctx, pid, "fraud review")
	require.NoError(t, err)

	resp, err := client.CreateAccount(ctx, createRequest(pid.String()))
	require.NoError(t, err)
	require.NotNil(t, resp.Rejection)
	assert.Equal(t, billingv1.RejectAccountFailed, resp.Rejection.Reason)
}

func TestGetAccount(t *testing.T) {
	client, _, _ := startServer(t)
	ctx := context.Background()
	pid := domain.NewPatientID().String()

	_, err := client.GetAccount(ctx, &billingv1.GetAccountRequest{SchemaVersion: billingv1.SchemaVersion, PatientID: pid})
	assert.Equal(t, codes.NotFound, status.Code(err))

	created, err := client.CreateAccount(ctx, createRequest(pid))
	require.NoError(t, err)

	got, err := client.GetAccount(ctx, &billingv1.GetAccountRequest{SchemaVersion: billingv1.SchemaVersion, PatientID: pid})
	require.NoError(t, err)
	assert.Equal(t, created.Account.AccountID, got.Account.AccountID)
}

func TestHealthService(t *testing.T) {
	_, _, conn := startServer(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: billingv1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
