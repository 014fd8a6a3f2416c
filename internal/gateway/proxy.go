package gateway

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	dErrors "careflow/pkg/domain-errors"
	httpx "careflow/pkg/platform/httputil"
	request "careflow/pkg/platform/middleware/request"
)

// Proxy forwards requests to the upstream owning the longest matching prefix.
// Bodies pass through unchanged. Upstream failures answer 502 and are never retried.
type Proxy struct {
	routes    *Routes
	transport http.RoundTripper
	logger    *slog.Logger

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

// NewUpstreamTransport bounds connection setup and time-to-first-byte.
func NewUpstreamTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 2 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

func NewProxy(routes *Routes, transport http.RoundTripper, logger *slog.Logger) *Proxy {
	if transport == nil {
		transport = NewUpstreamTransport(0)
	}
	return &Proxy{
		routes:    routes,
		transport: transport,
		logger:    logger,
		proxies:   make(map[string]*httputil.ReverseProxy),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := p.routes.Snapshot().Match(r.URL.Path)
	if !ok {
		setOutcome(r, "", OutcomeNoRoute)
		httpx.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no route for path"))
		return
	}
	setOutcome(r, route.Prefix, OutcomeForwarded)
	p.proxyFor(route).ServeHTTP(w, r)
}

func (p *Proxy) proxyFor(route Route) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[route.Upstream]; ok {
		return rp
	}
	target := route.Target()
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// caller went away; nobody to answer
				return
			}
			setOutcome(r, route.Prefix, OutcomeUpstreamDown)
			p.logger.ErrorContext(ctx, "upstream unavailable",
				"request_id", request.GetRequestID(ctx),
				"route", route.Prefix,
				"upstream", route.Upstream,
				"error", err,
			)
			httpx.WriteError(w, dErrors.New(dErrors.CodeUpstreamUnavailable, "upstream unavailable"))
		},
	}
	p.proxies[route.Upstream] = rp
	return rp
}
