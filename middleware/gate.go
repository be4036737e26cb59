package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services/pipeline"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

// authTokenCookieName is the cookie checked when no Authorization header is sent
const authTokenCookieName = "auth_token"

// Runner runs the gate pipeline for one request
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, handler pipeline.Handler) pipeline.Decision
}

// Gate adapts the request pipeline to net/http
type Gate struct {
	pipeline Runner
	logger   *zap.Logger
}

// NewGate creates a new Gate
func NewGate(p Runner, logger *zap.Logger) *Gate {
	return &Gate{
		pipeline: p,
		logger:   logger,
	}
}

// Protect returns middleware that gates next with the route's policy
func (g *Gate) Protect(route models.RoutePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, present := extractToken(r)

			req := pipeline.Request{
				Token:        token,
				TokenPresent: present,
				Route:        route,
				Method:       r.Method,
				RequestID:    GetRequestIDFromContext(ctx),
				ClientIP:     clientIP(r),
				UserAgent:    r.UserAgent(),
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			d := g.pipeline.Run(ctx, req, func(ctx context.Context, identity *models.Identity) (int, error) {
				if dec, ok := pipeline.LimitFromContext(ctx); ok {
					ww.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(dec.Remaining))))
				}
				ctx = WithIdentity(ctx, identity)
				ctx = WithRoute(ctx, route)
				next.ServeHTTP(ww, r.WithContext(ctx))
				return statusOf(ww), nil
			})

			if !d.Allowed {
				g.writeDenial(ww, req, d)
				return
			}
			if d.HandlerErr != nil && ww.Status() == 0 {
				_ = utils.WriteInternalServerError(ww, "An internal error occurred")
			}
		})
	}
}

func (g *Gate) writeDenial(w http.ResponseWriter, req pipeline.Request, d pipeline.Decision) {
	var err error
	switch d.Kind {
	case pipeline.KindUnauthenticated:
		if d.Reason == pipeline.ReasonTokenMissing {
			err = utils.WriteUnauthorized(w, "Missing or invalid authorization")
		} else {
			err = utils.WriteUnauthorized(w, "Invalid or expired token")
		}
	case pipeline.KindRateLimited:
		w.Header().Set("X-RateLimit-Remaining", "0")
		err = utils.WriteRateLimited(w, d.RetryAfter)
	case pipeline.KindForbidden:
		err = utils.WriteForbidden(w, "Insufficient permissions")
	case pipeline.KindCanceled:
		w.WriteHeader(pipeline.StatusClientClosedRequest)
	default:
		err = utils.WriteInternalServerError(w, "An internal error occurred")
	}

	if err != nil {
		g.logger.Error("failed to write denial response",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// statusOf reports what the handler wrote, treating an untouched writer as 200
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// extractToken extracts the token from the Authorization header ("Bearer TOKEN")
// or the auth_token cookie. The header takes precedence when both are present.
// present is true when the caller sent any credential, even a blank one.
func extractToken(r *http.Request) (token string, present bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", true
		}
		return strings.TrimSpace(parts[1]), true
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil {
		return cookie.Value, true
	}
	return "", false
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP has already rewritten
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
