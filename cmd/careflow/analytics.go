package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	analyticshandler "careflow/internal/analytics/handler"
	"careflow/internal/analytics/service"
	"careflow/internal/analytics/store"
	"careflow/internal/events"
	"careflow/internal/events/consumer"
	"careflow/internal/events/kafka"
	"careflow/internal/platform/httpserver"
	platformredis "careflow/internal/platform/redis"
)

func analyticsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Run the analytics consumer group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := kafka.NewSource(a.cfg.Kafka, a.cfg.Analytics.Group)
			if err != nil {
				return err
			}
			return a.runAnalytics(cmd.Context(), src, src)
		},
	}
}

func (a *app) analyticsStore(ctx context.Context) (service.Store, func(), error) {
	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		a.logger.Warn("REDIS_URL not set, analytics aggregates are kept in memory")
		return store.NewInMemory(), func() {}, nil
	}
	return store.NewRedis(client.Client, "careflow:analytics:", 0), func() { _ = client.Close() }, nil
}

// runAnalytics consumes src until ctx ends. The group closes src.
func (a *app) runAnalytics(ctx context.Context, src events.Source, lag events.LagReporter) error {
	st, closeStore, err := a.analyticsStore(ctx)
	if err != nil {
		_ = src.Close()
		return err
	}
	defer closeStore()

	group := a.cfg.Analytics.Group
	svc := service.New(st,
		service.WithLogger(a.logger),
		service.WithMetrics(service.NewMetrics(nil)),
	)
	consumers := consumer.New(group, src, consumer.NewRouter(a.logger, svc),
		consumer.WithLogger(a.logger),
		consumer.WithMetrics(consumer.NewMetrics(nil)),
	)

	r := serviceRouter()
	analyticshandler.New(svc, lag, group, a.logger).Register(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumers.Run(gctx) })
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(a.cfg.Analytics.Addr, r), a.logger)
	})
	a.metrics.MarkUp("analytics")
	return g.Wait()
}
