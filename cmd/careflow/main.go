package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"careflow/internal/platform/config"
	"careflow/internal/platform/logger"
	"careflow/internal/platform/metrics"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/metadata"
	request "careflow/pkg/platform/middleware/request"
	"careflow/pkg/platform/middleware/requesttime"
)

// app carries what every subcommand shares.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "careflow",
		Short:         "Patient onboarding across patients, billing and analytics services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger.New(cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(a.logger)
			a.metrics = metrics.New()
			return nil
		},
	}
	root.AddCommand(
		gatewayCmd(a),
		authCmd(a),
		patientsCmd(a),
		billingCmd(a),
		analyticsCmd(a),
		allCmd(a),
	)
	return root
}

// serviceRouter is the base router of every internal service.
func serviceRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}
