// Package gateway is the edge router: it authenticates callers, then forwards
// each request to the upstream service owning the longest matching path prefix.
package gateway

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"careflow/internal/platform/metrics"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/metadata"
	request "careflow/pkg/platform/middleware/request"
)

type Options struct {
	AllowList []string
	Transport http.RoundTripper
	Metrics   *Metrics
	// Limiter throttles per client address before authentication. Nil
	// disables it.
	Limiter RateLimiter
	// TrustedProxies may report the client address in forwarding headers.
	// Requests from any other peer are throttled by the peer address.
	TrustedProxies []netip.Prefix
}

// New builds the router. Authentication runs before route lookup, so an
// unauthenticated request learns nothing about which paths exist.
func New(verifier TokenVerifier, routes *Routes, logger *slog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(AccessLog(logger, opts.Metrics))
	r.Use(RateLimit(opts.Limiter, opts.TrustedProxies, logger))
	r.Use(RequireBearer(verifier, NewAllowList(opts.AllowList), logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	proxy := NewProxy(routes, opts.Transport, logger)
	r.Handle("/*", proxy)
	r.NotFound(proxy.ServeHTTP)
	r.MethodNotAllowed(proxy.ServeHTTP)
	return r
}
