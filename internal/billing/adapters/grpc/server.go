package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	billingv1 "careflow/contracts/billing/v1"
	"careflow/internal/billing/models"
	"careflow/internal/billing/service"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/requestcontext"
)

// MetadataRequestID carries the caller's request id across the RPC hop.
const MetadataRequestID = "x-request-id"

// Server exposes service.Service over gRPC, translating between wire
// messages and billing models.
type Server struct {
	service *service.Service
	logger  *slog.Logger
}

func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	return &Server{service: svc, logger: logger}
}

// CreateAccount answers with either an account handle or a rejection.
// Transport-level status errors are reserved for malformed requests and
// internal failures.
func (s *Server) CreateAccount(ctx context.Context, req *billingv1.CreateAccountRequest) (*billingv1.CreateAccountResponse, error) {
	if req.SchemaVersion != billingv1.SchemaVersion {
		return rejected(billingv1.RejectSchemaMismatch, "unsupported schema version"), nil
	}
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	patientID, err := domain.ParsePatientID(req.PatientID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid patient_id")
	}

	acc, err := s.service.CreateAccount(ctx, patientID, models.Attributes{
		HolderName:  req.Attributes.HolderName,
		DateOfBirth: req.Attributes.DateOfBirth,
		Plan:        req.Attributes.Plan,
	})
	if err != nil {
		var rej *service.Rejection
		if errors.As(err, &rej) {
			s.logger.InfoContext(ctx, "billing account rejected",
				"request_id", requestcontext.RequestID(ctx),
				"patient_id", req.PatientID,
				"reason", string(rej.Reason),
			)
			return rejected(billingv1.RejectionReason(rej.Reason), rej.Detail), nil
		}
		return nil, mapDomainErrorToGRPC(err)
	}
	return &billingv1.CreateAccountResponse{
		SchemaVersion: billingv1.SchemaVersion,
		Account:       toHandle(acc),
	}, nil
}

func (s *Server) GetAccount(ctx context.Context, req *billingv1.GetAccountRequest) (*billingv1.GetAccountResponse, error) {
	if req.SchemaVersion != billingv1.SchemaVersion {
		return nil, status.Error(codes.FailedPrecondition, "unsupported schema version")
	}
	patientID, err := domain.ParsePatientID(req.PatientID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid patient_id")
	}
	acc, err := s.service.GetAccount(ctx, patientID)
	if err != nil {
		return nil, mapDomainErrorToGRPC(err)
	}
	return &billingv1.GetAccountResponse{
		SchemaVersion: billingv1.SchemaVersion,
		Account:       toHandle(acc),
	}, nil
}

// NewGRPCServer builds a server with the billing service and the standard
// health service registered.
func NewGRPCServer(srv *Server, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogging(logger)))
	gs := grpc.NewServer(opts...)
	billingv1.RegisterBillingServiceServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(billingv1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// UnaryLogging lifts the caller's request id into the context and logs each
// call with its status code.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(MetadataRequestID); len(ids) > 0 {
				ctx = requestcontext.WithRequestID(ctx, ids[0])
			}
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.InfoContext(ctx, "rpc handled",
			"request_id", requestcontext.RequestID(ctx),
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func rejected(reason billingv1.RejectionReason, detail string) *billingv1.CreateAccountResponse {
	return &billingv1.CreateAccountResponse{
		SchemaVersion: billingv1.SchemaVersion,
		Rejection:     &billingv1.Rejection{Reason: reason, Detail: detail},
	}
}

func toHandle(acc *models.Account) *billingv1.AccountHandle {
	return &billingv1.AccountHandle{
		AccountID: acc.ID.String(),
		PatientID: acc.PatientID.String(),
		Status:    billingv1.AccountStatus(acc.Status),
		CreatedAt: acc.CreatedAt.UnixMilli(),
	}
}

func mapDomainErrorToGRPC(err error) error {
	switch dErrors.GetCode(err) {
	case dErrors.CodeNotFound:
		return status.Error(codes.NotFound, "billing account not found")
	case dErrors.CodeInvalidInput, dErrors.CodeValidation, dErrors.CodeBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

var _ billingv1.BillingServiceServer = (*Server)(nil)
