package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"careflow/internal/token"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/identity"
	request "careflow/pkg/platform/middleware/request"
)

// TokenVerifier checks bearer tokens locally with the shared signing key.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// AllowList holds paths served without a token.
type AllowList struct {
	paths map[string]bool
}

func NewAllowList(paths []string) AllowList {
	a := AllowList{paths: make(map[string]bool, len(paths))}
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			a.paths[p] = true
		}
	}
	return a
}

func (a AllowList) Allows(path string) bool {
	return a.paths[path]
}

// RequireBearer verifies the bearer token on every non-allow-listed request.
// Client-supplied identity headers are always stripped; a verified identity is
// written back for the upstream. Rejected requests are never forwarded.
func RequireBearer(verifier TokenVerifier, allow AllowList, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity.Strip(r.Header)
			if allow.Allows(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			requestID := request.GetRequestID(ctx)
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
					"path", r.URL.Path,
				)
				reject(w, r, "Missing or invalid Authorization header")
				return
			}

			id, err := verifier.Verify(strings.TrimSpace(raw))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
					"path", r.URL.Path,
				)
				reject(w, r, "Invalid or expired token")
				return
			}

			identity.Inject(r.Header, id.Subject, id.Role)
			setSubject(r, id.Subject, id.Role)
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, desc string) {
	setOutcome(r, "", OutcomeUnauthorized)
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, desc))
}

func setSubject(r *http.Request, subject string, role domain.Role) {
	if info := infoFrom(r.Context()); info != nil {
		info.subject = subject
		info.role = role
	}
}
