package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Checker reports whether a dependency is usable
type Checker func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Checker
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db     *sql.DB
	checks []namedCheck
	logger *zap.Logger
}

// HealthOption configures a HealthHandler
type HealthOption func(*HealthHandler)

// WithCheck adds a named readiness check
func WithCheck(name string, check Checker) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, namedCheck{name: name, check: check})
	}
}

// NewHealthHandler creates a new HealthHandler. db may be nil when no database is configured.
func NewHealthHandler(db *sql.DB, logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		db:     db,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	sort.SliceStable(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - validates that all dependencies are available
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check database connectivity
	if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", c.name), zap.Error(err))
			checks[c.name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[c.name] = "healthy"
	}

	// Determine overall status
	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil // No database configured
	}

	// Ping database with timeout
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	// Check if we can execute a simple query
	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
