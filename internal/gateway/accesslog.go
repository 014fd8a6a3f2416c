package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"careflow/pkg/domain"
	request "careflow/pkg/platform/middleware/request"
	"careflow/pkg/requestcontext"
)

// requestInfo collects what later handlers learn about a request so the access
// log and metrics can report it after the response is written.
type requestInfo struct {
	route   string
	outcome string
	subject string
	role    domain.Role
}

type infoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(infoKey{}).(*requestInfo)
	return info
}

func setOutcome(r *http.Request, route, outcome string) {
	if info := infoFrom(r.Context()); info != nil {
		if route != "" {
			info.route = route
		}
		info.outcome = outcome
	}
}

// AccessLog writes one structured line per request and records metrics.
func AccessLog(logger *slog.Logger, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{outcome: OutcomeLocal}
			ctx := context.WithValue(r.Context(), infoKey{}, info)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.RecordRequest(info.route, info.outcome, elapsed)

			ua := useragent.New(r.UserAgent())
			browser, _ := ua.Browser()
			logger.InfoContext(ctx, "gateway request",
				"request_id", request.GetRequestID(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"route", info.route,
				"outcome", info.outcome,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"subject", info.subject,
				"role", info.role,
				"client_ip", requestcontext.ClientIP(ctx),
				"client_browser", browser,
				"client_os", ua.OS(),
				"client_bot", ua.Bot(),
			)
		})
	}
}
