package billing

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
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	billingv1 "careflow/contracts/billing/v1"
	billinggrpc "careflow/internal/billing/adapters/grpc"
	"careflow/internal/billing/service"
	"careflow/internal/billing/store"
	"careflow/internal/patients/ports"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
)

func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func serve(t *testing.T, srv billingv1.BillingServiceServer) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	billingv1.RegisterBillingServiceServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis
}

func realBilling(t *testing.T) *bufconn.Listener {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(store.NewInMemory(), []string{"standard"})
	return serve(t, billinggrpc.NewServer(svc, logger))
}

type stubServer struct {
	delay time.Duration
	err   error
}

func (s *stubServer) CreateAccount(ctx context.Context, _ *billingv1.CreateAccountRequest) (*billingv1.CreateAccountResponse, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &billingv1.CreateAccountResponse{SchemaVersion: billingv1.SchemaVersion, Account: &billingv1.AccountHandle{AccountID: "a"}}, nil
}

func (s *stubServer) GetAccount(context.Context, *billingv1.GetAccountRequest) (*billingv1.GetAccountResponse, error) {
	return nil, status.Error(codes.Unimplemented, "not used")
}

var attrs = ports.BillingAttributes{HolderName: "Mary Jackson", DateOfBirth: "1921-04-09", Plan: "standard"}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, EffectiveTimeout(0))
	assert.Equal(t, DefaultTimeout, EffectiveTimeout(-time.Second))
	assert.Equal(t, 3*time.Second, EffectiveTimeout(3*time.Second))
	assert.Equal(t, MaxTimeout, EffectiveTimeout(time.Minute))
}

func TestCreateAccount_Confirmed(t *testing.T) {
	client := New(dial(t, realBilling(t)), time.Second)
	pid := domain.NewPatientID()

	first, err := client.CreateAccount(context.Background(), pid, attrs)
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccountID)
	assert.Equal(t, "ACTIVE", first.Status)

	second, err := client.CreateAccount(context.Background(), pid, attrs)
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)
}

func TestCreateAccount_Rejected(t *testing.T) {
	client := New(dial(t, realBilling(t)), time.Second)
	bad := attrs
	bad.Plan = "gold"

	_, err := client.CreateAccount(context.Background(), domain.NewPatientID(), bad)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDependentRejected))
	assert.Contains(t, err.Error(), "UNSUPPORTED_PLAN")
}

func TestCreateAccount_Timeout(t *testing.T) {
	client := New(dial(t, serve(t, &stubServer{delay: time.Second})), 50*time.Millisecond)

	start := time.Now()
	_, err := client.CreateAccount(context.Background(), domain.NewPatientID(), attrs)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCreateAccount_Unreachable(t *testing.T) {
	t.Run("no server", func(t *testing.T) {
		lis := bufconn.Listen(1 << 10)
		require.NoError(t, lis.Close())
		client := New(dial(t, lis), time.Second)

		_, err := client.CreateAccount(context.Background(), domain.NewPatientID(), attrs)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeDependentUnreachable))
	})

	t.Run("internal error", func(t *testing.T) {
		client := New(dial(t, serve(t, &stubServer{err: status.Error(codes.Internal, "db down")})), time.Second)
		_, err := client.CreateAccount(context.Background(), domain.NewPatientID(), attrs)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeDependentUnreachable))
	})

	t.Run("invalid argument is a rejection", func(t *testing.T) {
		client := New(dial(t, serve(t, &stubServer{err: status.Error(codes.InvalidArgument, "bad")})), time.Second)
		_, err := client.CreateAccount(context.Background(), domain.NewPatientID(), attrs)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeDependentRejected))
	})
}
