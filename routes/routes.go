package routes

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/api-gatekeeper/app"
	"github.com/upb/api-gatekeeper/config"
	"github.com/upb/api-gatekeeper/handlers"
	"github.com/upb/api-gatekeeper/middleware"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/utils"
)

// Built-in gated endpoints. They share the default rate limit class.
var (
	MeRoute = models.RoutePolicy{
		Name:    "auth.me",
		Method:  http.MethodGet,
		Pattern: "/api/v1/auth/me",
	}
	LogoutRoute = models.RoutePolicy{
		Name:    "auth.logout",
		Method:  http.MethodPost,
		Pattern: "/api/v1/auth/logout",
	}
	RefreshPermissionsRoute = models.RoutePolicy{
		Name:               "admin.permissions.refresh",
		Method:             http.MethodPost,
		Pattern:            "/api/v1/admin/permissions/refresh",
		RequiredPermission: "permission:refresh",
	}
	ReplacePermissionsRoute = models.RoutePolicy{
		Name:               "admin.permissions.replace",
		Method:             http.MethodPut,
		Pattern:            "/api/v1/admin/permissions",
		RequiredPermission: "permission:write",
	}
	GrantPermissionRoute = models.RoutePolicy{
		Name:               "admin.permissions.grant",
		Method:             http.MethodPut,
		Pattern:            "/api/v1/admin/roles/{role}/permissions/{permission}",
		RequiredPermission: "permission:write",
	}
	RevokePermissionRoute = models.RoutePolicy{
		Name:               "admin.permissions.revoke",
		Method:             http.MethodDelete,
		Pattern:            "/api/v1/admin/roles/{role}/permissions/{permission}",
		RequiredPermission: "permission:write",
	}
	RateLimitStatsRoute = models.RoutePolicy{
		Name:               "admin.ratelimit.stats",
		Method:             http.MethodGet,
		Pattern:            "/api/v1/admin/ratelimit/stats",
		RequiredPermission: "ratelimit:read",
	}
	ListAuditRoute = models.RoutePolicy{
		Name:               "admin.audit.list",
		Method:             http.MethodGet,
		Pattern:            "/api/v1/admin/audit",
		RequiredPermission: "audit:read",
	}
	GetAuditRoute = models.RoutePolicy{
		Name:               "admin.audit.get",
		Method:             http.MethodGet,
		Pattern:            "/api/v1/admin/audit/{requestID}",
		RequiredPermission: "audit:read",
	}
)

// LoginPath is ungated; it is limited per client IP instead
const LoginPath = "/api/v1/auth/login"

var defaultAllowedOrigins = []string{"http://localhost:*", "https://*"}

type builtin struct {
	policy  models.RoutePolicy
	handler http.HandlerFunc
}

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) (http.Handler, error) {
	cfg := deps.Config
	logger := deps.Logger

	authHandler := handlers.NewAuthHandler(deps.Auth, deps.Permissions,
		cfg.Server.TLS.Enabled || cfg.IsProduction(), logger,
		handlers.WithRevoker(deps.Denylist))

	adminOpts := []handlers.AdminOption{handlers.WithAuditStats(deps.Audit)}
	if deps.MemoryLimiter != nil {
		adminOpts = append(adminOpts, handlers.WithBucketCounter(deps.MemoryLimiter.Stats))
	}
	if deps.AuditRecords != nil {
		adminOpts = append(adminOpts, handlers.WithAuditReader(deps.AuditRecords))
	}
	if deps.RolePermissions != nil {
		adminOpts = append(adminOpts, handlers.WithPermissionStore(deps.RolePermissions))
	}
	adminHandler := handlers.NewAdminHandler(deps.Permissions, cfg.RateLimit.Backend, logger, adminOpts...)

	builtins := []builtin{
		{MeRoute, authHandler.HandleMe},
		{LogoutRoute, authHandler.HandleLogout},
		{RefreshPermissionsRoute, adminHandler.HandleRefreshPermissions},
		{RateLimitStatsRoute, adminHandler.HandleRateLimitStats},
	}
	if adminHandler.HasAuditReader() {
		builtins = append(builtins,
			builtin{ListAuditRoute, adminHandler.HandleListAudit},
			builtin{GetAuditRoute, adminHandler.HandleGetAudit})
	}
	if adminHandler.HasPermissionStore() {
		builtins = append(builtins,
			builtin{ReplacePermissionsRoute, adminHandler.HandleReplacePermissions},
			builtin{GrantPermissionRoute, adminHandler.HandleGrantPermission},
			builtin{RevokePermissionRoute, adminHandler.HandleRevokePermission})
	}

	// Configured routes must not shadow built-in endpoints
	check := config.RouteTable{
		Classes: deps.Routes.Classes,
		Routes:  append([]models.RoutePolicy(nil), deps.Routes.Routes...),
	}
	for _, b := range builtins {
		if err := check.Add(b.policy); err != nil {
			return nil, fmt.Errorf("route table conflicts with built-in endpoint: %w", err)
		}
	}

	upstream, err := upstreamHandler(deps)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	// CORS middleware
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultAllowedOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := handlers.NewHealthHandler(sqlDB(deps), logger, readinessChecks(deps)...)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)
	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	login := http.Handler(http.HandlerFunc(authHandler.HandleLogin))
	if n := cfg.RateLimit.LoginRequestsPerIP; n > 0 {
		login = httprate.Limit(n, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				_ = utils.WriteTooManyRequests(w, "Too many login attempts", nil)
			}))(login)
	}
	r.Method(http.MethodPost, LoginPath, login)

	gate := middleware.NewGate(deps.Pipeline, logger)
	for _, b := range builtins {
		r.With(gate.Protect(b.policy)).Method(b.policy.Method, b.policy.Pattern, b.handler)
	}
	for _, policy := range deps.Routes.Routes {
		r.With(gate.Protect(policy)).Method(policy.Method, policy.Pattern, upstream)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: "method not allowed",
		})
	})

	return r, nil
}

func upstreamHandler(deps *app.Dependencies) (http.Handler, error) {
	if deps.Config.Upstream.URL == "" {
		return handlers.EchoHandler(), nil
	}
	target, err := url.Parse(deps.Config.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	return handlers.NewUpstreamHandler(target, deps.Config.Upstream.Timeout, deps.Logger), nil
}

func sqlDB(deps *app.Dependencies) *sql.DB {
	if deps.DB == nil {
		return nil
	}
	return deps.DB.DB
}

func readinessChecks(deps *app.Dependencies) []handlers.HealthOption {
	var opts []handlers.HealthOption
	if deps.Redis != nil {
		opts = append(opts, handlers.WithCheck("redis", func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}))
	}
	opts = append(opts, handlers.WithCheck("audit", func(context.Context) error {
		if !deps.Audit.GetStats().Started {
			return fmt.Errorf("audit logger not running")
		}
		return nil
	}))
	return opts
}
