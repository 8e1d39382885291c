package middleware

import (
	"context"
	"net/http"

	"github.com/scottpeterman/velociterm/internal/auth"
)

// WithIdentityForTest attaches an Identity to the request context for testing.
func WithIdentityForTest(r *http.Request, id *auth.Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityContextKey, id))
}
