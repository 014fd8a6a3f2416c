package main

import (
	"context"
	"database/sql"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"careflow/internal/events"
	"careflow/internal/events/kafka"
	"careflow/internal/events/memlog"
	billingclient "careflow/internal/patients/adapters/billing"
	patientshandler "careflow/internal/patients/handler"
	"careflow/internal/patients/metrics"
	"careflow/internal/patients/outbox"
	"careflow/internal/patients/service"
	"careflow/internal/patients/store"
	"careflow/internal/platform/httpserver"
	"careflow/internal/platform/postgres"
	platformredis "careflow/internal/platform/redis"
	"careflow/pkg/platform/circuit"
	"careflow/pkg/platform/lease"
	"careflow/pkg/platform/tx"
)

func patientsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "patients",
		Short: "Run the patients service with its outbox relay and reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pub, closePub, err := a.publisher()
			if err != nil {
				return err
			}
			defer closePub()
			return a.runPatients(ctx, pub)
		},
	}
}

// publisher is Kafka when brokers are configured, otherwise a process-local log.
func (a *app) publisher() (events.Publisher, func(), error) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Warn("KAFKA_BROKERS not set, events stay in this process")
		return memlog.New(4, memlog.WithTopic(a.cfg.Kafka.Topic)), func() {}, nil
	}
	pub, err := kafka.NewPublisher(a.cfg.Kafka, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}

type patientStores struct {
	patients service.Store
	outbox   outbox.Store
	tx       service.TxRunner
	close    func()
}

func (a *app) patientStores(ctx context.Context) (*patientStores, error) {
	dsn := a.cfg.Patients.DatabaseURL
	if dsn == "" {
		a.logger.Warn("PATIENTS_DATABASE_URL not set, patients are kept in memory")
		return &patientStores{
			patients: store.NewInMemory(),
			outbox:   outbox.NewInMemory(),
			tx:       tx.NewMemoryRunner(),
			close:    func() {},
		}, nil
	}
	db, err := postgres.Open(ctx, postgres.DriverPgx, dsn)
	if err != nil {
		return nil, err
	}
	if err := applyPatientSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &patientStores{
		patients: store.NewPostgres(db),
		outbox:   outbox.NewPostgres(db),
		tx:       tx.NewRunner(db, 0),
		close:    func() { _ = db.Close() },
	}, nil
}

func applyPatientSchema(ctx context.Context, db *sql.DB) error {
	if err := postgres.ApplySchema(ctx, db, store.Schema...); err != nil {
		return err
	}
	return postgres.ApplySchema(ctx, db, outbox.Schema...)
}

// leases are shared through Redis when configured so several patients
// replicas serialize on the same patient and take turns relaying the outbox.
func (a *app) leases(ctx context.Context) (lease.Locker, func(), error) {
	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return lease.NewMemory(), func() {}, nil
	}
	return lease.NewRedis(client.Client, "careflow:lease:"), func() { _ = client.Close() }, nil
}

func (a *app) runPatients(ctx context.Context, pub events.Publisher) error {
	pc := a.cfg.Patients
	stores, err := a.patientStores(ctx)
	if err != nil {
		return err
	}
	defer stores.close()

	locker, closeLeases, err := a.leases(ctx)
	if err != nil {
		return err
	}
	defer closeLeases()

	billing, err := billingclient.Dial(pc.BillingAddr, pc.BillingRPC)
	if err != nil {
		return err
	}
	defer billing.Close()

	m := metrics.New(nil)
	svc := service.New(stores.patients, stores.outbox, stores.tx, billing, locker,
		service.WithLogger(a.logger),
		service.WithMetrics(m),
		service.WithLeaseTTL(pc.LeaseTTL),
		service.WithReconcileGrace(pc.Reconcile.Grace),
	)
	relay := outbox.NewRelay(stores.outbox, pub,
		outbox.WithMaxAttempts(pc.Outbox.MaxAttempts),
		outbox.WithBackoff(pc.Outbox.BaseBackoff, pc.Outbox.MaxBackoff),
		outbox.WithPollInterval(pc.Outbox.PollInterval),
		outbox.WithBatchSize(pc.Outbox.BatchSize),
		outbox.WithConcurrency(pc.Outbox.Concurrency),
		outbox.WithLease(locker, pc.Outbox.LeaseTTL),
		outbox.WithBreaker(circuit.New("event-log")),
		outbox.WithLogger(a.logger),
		outbox.WithMetrics(m),
	)
	reconciler := service.NewReconciler(svc, stores.patients,
		service.WithInterval(pc.Reconcile.Interval),
		service.WithGrace(pc.Reconcile.Grace),
		service.WithBatchSize(pc.Reconcile.BatchSize),
		service.WithMaxAttempts(pc.Reconcile.MaxAttempts),
		service.WithReconcilerLogger(a.logger),
		service.WithReconcilerMetrics(m),
	)

	r := serviceRouter()
	patientshandler.New(svc, a.logger).Register(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(pc.Addr, r), a.logger)
	})
	a.metrics.MarkUp("patients")
	return g.Wait()
}
