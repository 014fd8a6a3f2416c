package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	billingv1 "careflow/contracts/billing/v1"
	"careflow/internal/patients/ports"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/requestcontext"
)

const (
	DefaultTimeout = 2 * time.Second
	MaxTimeout     = 5 * time.Second
)

// EffectiveTimeout clamps a configured RPC timeout: zero or negative selects
// the default, anything above the ceiling is cut to it.
func EffectiveTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// Client implements ports.BillingPort over gRPC. Every call is bounded by the
// client timeout and never retried here.
type Client struct {
	client  billingv1.BillingServiceClient
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial opens a connection to the billing service. grpc.NewClient connects
// lazily, so an unreachable peer shows up on the first call.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	// TODO: switch to TLS credentials once billing serves them
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create billing client: %w", err)
	}
	c := New(conn, timeout)
	c.conn = conn
	return c, nil
}

func New(cc grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{
		client:  billingv1.NewBillingServiceClient(cc),
		timeout: EffectiveTimeout(timeout),
	}
}

func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) CreateAccount(ctx context.Context, patientID domain.PatientID, attrs ports.BillingAttributes) (*ports.AccountHandle, error) {
	ctx, span := otel.Tracer("careflow/patients/billing").Start(ctx, "billing.CreateAccount")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID.String()))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", requestID)
	}

	resp, err := c.client.CreateAccount(ctx, &billingv1.CreateAccountRequest{
		SchemaVersion: billingv1.SchemaVersion,
		RequestID:     requestID,
		PatientID:     patientID.String(),
		Attributes: billingv1.AccountAttributes{
			HolderName:  attrs.HolderName,
			DateOfBirth: attrs.DateOfBirth,
			Plan:        attrs.Plan,
		},
	})
	if err != nil {
		mapped := mapGRPCError(ctx, err)
		span.RecordError(mapped)
		span.SetStatus(otelcodes.Error, string(dErrors.GetCode(mapped)))
		return nil, mapped
	}
	if resp.Rejection != nil {
		span.SetAttributes(attribute.String("billing.rejection", string(resp.Rejection.Reason)))
		return nil, dErrors.New(dErrors.CodeDependentRejected, rejectionMessage(resp.Rejection))
	}
	if resp.SchemaVersion != billingv1.SchemaVersion || resp.Account == nil {
		return nil, dErrors.New(dErrors.CodeDependentRejected, string(billingv1.RejectSchemaMismatch))
	}
	return &ports.AccountHandle{
		AccountID: resp.Account.AccountID,
		Status:    string(resp.Account.Status),
		CreatedAt: time.UnixMilli(resp.Account.CreatedAt).UTC(),
	}, nil
}

func rejectionMessage(r *billingv1.Rejection) string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}

func mapGRPCError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "billing call timed out")
	}
	st, ok := status.FromError(err)
	if !ok {
		return dErrors.Wrap(err, dErrors.CodeDependentUnreachable, "billing unreachable")
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "billing call timed out")
	case codes.InvalidArgument, codes.FailedPrecondition:
		return dErrors.Wrap(err, dErrors.CodeDependentRejected, st.Message())
	default:
		return dErrors.Wrap(err, dErrors.CodeDependentUnreachable, "billing unreachable")
	}
}

var _ ports.BillingPort = (*Client)(nil)
