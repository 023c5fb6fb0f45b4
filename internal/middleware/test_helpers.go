package middleware

import (
	"context"
	"net/http"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/store"
)

// WithTierForTest attaches an access tier to the request context for testing.
func WithTierForTest(r *http.Request, tier access.Tier) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tierContextKey, tier))
}

// WithSessionForTest attaches a validated session to the request context for testing.
func WithSessionForTest(r *http.Request, sess *store.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionContextKey, sess))
}
