package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"careflow/internal/events"
	"careflow/internal/events/kafka"
	"careflow/internal/events/memlog"
)

// allCmd runs every service in one process. Without Kafka the services share
// an in-memory log.
func allCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every service in one process for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokens, err := a.tokenService()
			if err != nil {
				return err
			}

			var (
				pub events.Publisher
				src events.Source
				lag events.LagReporter
			)
			if len(a.cfg.Kafka.Brokers) == 0 {
				log := memlog.New(4, memlog.WithTopic(a.cfg.Kafka.Topic))
				member, err := log.Join(a.cfg.Analytics.Group)
				if err != nil {
					return err
				}
				pub, src, lag = log, member, member
			} else {
				kp, err := kafka.NewPublisher(a.cfg.Kafka, a.logger)
				if err != nil {
					return err
				}
				defer kp.Close()
				ks, err := kafka.NewSource(a.cfg.Kafka, a.cfg.Analytics.Group)
				if err != nil {
					return err
				}
				pub, src, lag = kp, ks, ks
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.runAuth(ctx, tokens) })
			g.Go(func() error { return a.runGateway(ctx, tokens) })
			g.Go(func() error { return a.runBilling(ctx) })
			g.Go(func() error { return a.runPatients(ctx, pub) })
			g.Go(func() error { return a.runAnalytics(ctx, src, lag) })
			return g.Wait()
		},
	}
}
