package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/api-gatekeeper/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// IdentityKey is the context key for the authenticated identity
	IdentityKey contextKey = "identity"

	// RouteKey is the context key for the matched route policy
	RouteKey contextKey = "route"
)

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetIdentityFromContext retrieves the identity admitted by the gate
func GetIdentityFromContext(ctx context.Context) *models.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*models.Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds an identity to the context
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetRouteFromContext retrieves the route policy the request was gated with
func GetRouteFromContext(ctx context.Context) (models.RoutePolicy, bool) {
	route, ok := ctx.Value(RouteKey).(models.RoutePolicy)
	return route, ok
}

// WithRoute adds the route policy to the context
func WithRoute(ctx context.Context, route models.RoutePolicy) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}
