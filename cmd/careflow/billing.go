package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	billinggrpc "careflow/internal/billing/adapters/grpc"
	billinghandler "careflow/internal/billing/handler"
	"careflow/internal/billing/service"
	"careflow/internal/billing/store"
	"careflow/internal/platform/httpserver"
	"careflow/internal/platform/postgres"
)

func billingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "billing",
		Short: "Run the billing service (gRPC and HTTP)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBilling(cmd.Context())
		},
	}
}

func (a *app) billingStore(ctx context.Context) (service.Store, func(), error) {
	dsn := a.cfg.Billing.DatabaseURL
	if dsn == "" {
		a.logger.Warn("BILLING_DATABASE_URL not set, accounts are kept in memory")
		return store.NewInMemory(), func() {}, nil
	}
	db, err := postgres.Open(ctx, postgres.DriverPQ, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ApplySchema(ctx, db, store.Schema); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

func (a *app) runBilling(ctx context.Context) error {
	st, closeStore, err := a.billingStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := service.New(st, a.cfg.Billing.SupportedPlans,
		service.WithLogger(a.logger),
		service.WithMetrics(service.NewMetrics(nil)),
	)

	lis, err := net.Listen("tcp", a.cfg.Billing.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Billing.GRPCAddr, err)
	}
	gs, health := billinggrpc.NewGRPCServer(billinggrpc.NewServer(svc, a.logger), a.logger)

	r := serviceRouter()
	billinghandler.New(svc, a.logger).Register(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("grpc server listening", "addr", lis.Addr().String())
		return gs.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		health.Shutdown()
		gs.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(a.cfg.Billing.HTTPAddr, r), a.logger)
	})
	a.metrics.MarkUp("billing")
	return g.Wait()
}
