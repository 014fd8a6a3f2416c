// Package identity reads the identity the edge router attaches to forwarded
// requests. Services behind the router never parse tokens themselves.
package identity

import (
	"log/slog"
	"net/http"

	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/httputil"
	request "careflow/pkg/platform/middleware/request"
	"careflow/pkg/requestcontext"
)

const (
	HeaderSubject = "X-Identity-Subject"
	HeaderRole    = "X-Identity-Role"
)

// Strip removes any identity headers so only the router can set them.
func Strip(h http.Header) {
	h.Del(HeaderSubject)
	h.Del(HeaderRole)
}

// Inject writes a verified identity onto outbound headers.
func Inject(h http.Header, subject string, role domain.Role) {
	h.Set(HeaderSubject, subject)
	h.Set(HeaderRole, role.String())
}

// FromHeaders loads the forwarded identity into the request context. Requests
// without a well-formed identity are rejected with 401.
func FromHeaders(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			subject := r.Header.Get(HeaderSubject)
			role, err := domain.ParseRole(r.Header.Get(HeaderRole))
			if subject == "" || err != nil {
				logger.WarnContext(ctx, "unauthorized access - missing forwarded identity",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing identity"))
				return
			}
			ctx = requestcontext.WithIdentity(ctx, subject, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role does not include want.
func RequireRole(want domain.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !requestcontext.Role(ctx).Includes(want) {
				logger.WarnContext(ctx, "forbidden - insufficient role",
					"subject", requestcontext.Subject(ctx),
					"required_role", want,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
