package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"careflow/internal/gateway"
	"careflow/internal/platform/httpserver"
	platformredis "careflow/internal/platform/redis"
)

func gatewayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the edge router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.tokenService()
			if err != nil {
				return err
			}
			return a.runGateway(cmd.Context(), svc)
		},
	}
}

func (a *app) routingTable() (*gateway.Table, error) {
	gc := a.cfg.Gateway
	switch {
	case gc.RoutesFile != "":
		return gateway.LoadRoutesFile(gc.RoutesFile)
	case gc.Routes != "":
		return gateway.ParseRoutes(gc.Routes)
	default:
		return nil, fmt.Errorf("GATEWAY_ROUTES or GATEWAY_ROUTES_FILE is required")
	}
}

// rateLimiter is shared through Redis when configured, otherwise per replica.
func (a *app) rateLimiter(ctx context.Context) (gateway.RateLimiter, func(), error) {
	gc := a.cfg.Gateway
	if gc.RateLimit <= 0 {
		return nil, func() {}, nil
	}
	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return gateway.NewWindowLimiter(gc.RateLimit, gc.RateWindow), func() {}, nil
	}
	limiter := gateway.NewRedisLimiter(client.Client, "careflow:ratelimit:", gc.RateLimit, gc.RateWindow)
	return limiter, func() { _ = client.Close() }, nil
}

func (a *app) runGateway(ctx context.Context, verifier gateway.TokenVerifier) error {
	table, err := a.routingTable()
	if err != nil {
		return err
	}
	limiter, closeLimiter, err := a.rateLimiter(ctx)
	if err != nil {
		return err
	}
	defer closeLimiter()
	trusted, err := gateway.ParseTrustedProxies(a.cfg.Gateway.TrustedProxies)
	if err != nil {
		return err
	}
	routes := gateway.NewRoutes(table)
	m := gateway.NewMetrics(nil)

	handler := gateway.New(verifier, routes, a.logger, gateway.Options{
		AllowList:      a.cfg.Gateway.AllowList,
		Transport:      gateway.NewUpstreamTransport(a.cfg.Gateway.UpstreamTimeout),
		Metrics:        m,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})

	g, gctx := errgroup.WithContext(ctx)
	if path := a.cfg.Gateway.RoutesFile; path != "" {
		g.Go(func() error {
			return gateway.WatchRoutesFile(gctx, path, routes, a.logger, m)
		})
	}
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(a.cfg.Gateway.Addr, handler), a.logger)
	})
	a.metrics.MarkUp("gateway")
	return g.Wait()
}
