package testutil

import (
	"net/http"

	"careflow/pkg/domain"
	"careflow/pkg/platform/middleware/identity"
	"careflow/pkg/requestcontext"
)

// WithIdentity puts a verified identity on the request context, as the identity
// middleware would after reading the forwarded headers.
func WithIdentity(req *http.Request, subject string, role domain.Role) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), subject, role))
}

// WithForwardedIdentity sets the headers the edge router attaches to forwarded requests.
func WithForwardedIdentity(req *http.Request, subject string, role domain.Role) *http.Request {
	identity.Inject(req.Header, subject, role)
	return req
}
