package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/repositories"
	"github.com/upb/api-gatekeeper/services"
	"github.com/upb/api-gatekeeper/services/audit"
	"github.com/upb/api-gatekeeper/utils"
	"go.uber.org/zap"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// PermissionRefresher reloads the role to permission mapping on demand
type PermissionRefresher interface {
	Refresh(ctx context.Context) error
	RoleCount() int
	LoadedAt() time.Time
}

// PermissionStore persists the role to permission mapping
type PermissionStore interface {
	ReplaceAll(ctx context.Context, mapping map[string][]string) error
	Grant(ctx context.Context, role, permission string) error
	Revoke(ctx context.Context, role, permission string) error
}

// ReplacePermissionsRequest is the body of PUT /api/v1/admin/permissions
type ReplacePermissionsRequest struct {
	Roles map[string][]string `json:"roles" validate:"required,min=1,dive,keys,min=1,max=64,printascii,endkeys,dive,min=1,max=128,printascii"`
}

type rolePermission struct {
	Role       string `json:"role" validate:"required,max=64,printascii"`
	Permission string `json:"permission" validate:"required,max=128,printascii"`
}

// AuditStatser reports audit pipeline counters
type AuditStatser interface {
	GetStats() audit.Stats
}

// AuditReader queries persisted audit records
type AuditReader interface {
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error)
	List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditRecord, error)
}

// PermissionsResponse describes the mapping currently in effect
type PermissionsResponse struct {
	Roles    int       `json:"roles"`
	LoadedAt time.Time `json:"loaded_at"`
}

// RateLimitStatsResponse reports limiter state. Buckets is omitted for shared backends.
type RateLimitStatsResponse struct {
	Backend string       `json:"backend"`
	Buckets *int         `json:"buckets,omitempty"`
	Audit   *audit.Stats `json:"audit,omitempty"`
}

// AdminHandler serves operator endpoints
type AdminHandler struct {
	perms   PermissionRefresher
	buckets func() int
	backend string
	audit   AuditStatser
	records AuditReader
	store   PermissionStore
	logger  *zap.Logger
}

// AdminOption configures an AdminHandler
type AdminOption func(*AdminHandler)

// WithBucketCounter reports the live bucket count of an in-process limiter
func WithBucketCounter(fn func() int) AdminOption {
	return func(h *AdminHandler) {
		h.buckets = fn
	}
}

// WithAuditStats includes audit pipeline counters in stats responses
func WithAuditStats(s AuditStatser) AdminOption {
	return func(h *AdminHandler) {
		h.audit = s
	}
}

// WithAuditReader enables the audit query endpoints
func WithAuditReader(r AuditReader) AdminOption {
	return func(h *AdminHandler) {
		h.records = r
	}
}

// WithPermissionStore enables the endpoints that edit the role mapping
func WithPermissionStore(s PermissionStore) AdminOption {
	return func(h *AdminHandler) {
		h.store = s
	}
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(perms PermissionRefresher, backend string, logger *zap.Logger, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{
		perms:   perms,
		backend: backend,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HasAuditReader reports whether audit query endpoints can be served
func (h *AdminHandler) HasAuditReader() bool {
	return h.records != nil
}

// HasPermissionStore reports whether the role mapping can be edited
func (h *AdminHandler) HasPermissionStore() bool {
	return h.store != nil
}

// HandleReplacePermissions handles PUT /api/v1/admin/permissions
func (h *AdminHandler) HandleReplacePermissions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		_ = utils.WriteNotFound(w, "Permission store not configured")
		return
	}

	var req ReplacePermissionsRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.store.ReplaceAll(r.Context(), req.Roles); err != nil {
		h.writeStoreFailure(w, "replace", err)
		return
	}
	h.logger.Info("role mapping replaced", zap.Int("roles", len(req.Roles)))
	h.refreshAfterWrite(w, r)
}

// HandleGrantPermission handles PUT /api/v1/admin/roles/{role}/permissions/{permission}
func (h *AdminHandler) HandleGrantPermission(w http.ResponseWriter, r *http.Request) {
	h.editPermission(w, r, "granted", func(ctx context.Context, rp rolePermission) error {
		return h.store.Grant(ctx, rp.Role, rp.Permission)
	})
}

// HandleRevokePermission handles DELETE /api/v1/admin/roles/{role}/permissions/{permission}
func (h *AdminHandler) HandleRevokePermission(w http.ResponseWriter, r *http.Request) {
	h.editPermission(w, r, "revoked", func(ctx context.Context, rp rolePermission) error {
		return h.store.Revoke(ctx, rp.Role, rp.Permission)
	})
}

func (h *AdminHandler) editPermission(w http.ResponseWriter, r *http.Request, verb string, write func(context.Context, rolePermission) error) {
	if h.store == nil {
		_ = utils.WriteNotFound(w, "Permission store not configured")
		return
	}

	rp := rolePermission{
		Role:       chi.URLParam(r, "role"),
		Permission: chi.URLParam(r, "permission"),
	}
	if err := utils.ValidateStruct(&rp); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := write(r.Context(), rp); err != nil {
		h.writeStoreFailure(w, verb, err)
		return
	}
	h.logger.Info("permission "+verb, zap.String("role", rp.Role), zap.String("permission", rp.Permission))
	h.refreshAfterWrite(w, r)
}

func (h *AdminHandler) writeStoreFailure(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("permission store write failed", zap.String("op", op), zap.Error(err))
	_ = utils.WriteServiceUnavailable(w, "Permission store unavailable")
}

// refreshAfterWrite publishes a stored change to the evaluator
func (h *AdminHandler) refreshAfterWrite(w http.ResponseWriter, r *http.Request) {
	if err := h.perms.Refresh(r.Context()); err != nil {
		h.logger.Warn("permission refresh after write failed", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Mapping stored but not yet applied; retry the refresh")
		return
	}

	_ = utils.WriteOK(w, PermissionsResponse{
		Roles:    h.perms.RoleCount(),
		LoadedAt: h.perms.LoadedAt(),
	})
}

// HandleRefreshPermissions handles POST /api/v1/admin/permissions/refresh
func (h *AdminHandler) HandleRefreshPermissions(w http.ResponseWriter, r *http.Request) {
	if err := h.perms.Refresh(r.Context()); err != nil {
		h.logger.Warn("manual permission refresh failed", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Permission source unavailable, previous mapping kept")
		return
	}

	_ = utils.WriteOK(w, PermissionsResponse{
		Roles:    h.perms.RoleCount(),
		LoadedAt: h.perms.LoadedAt(),
	})
}

// HandleRateLimitStats handles GET /api/v1/admin/ratelimit/stats
func (h *AdminHandler) HandleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	resp := RateLimitStatsResponse{Backend: h.backend}
	if h.buckets != nil {
		n := h.buckets()
		resp.Buckets = &n
	}
	if h.audit != nil {
		stats := h.audit.GetStats()
		resp.Audit = &stats
	}
	_ = utils.WriteOK(w, resp)
}

// HandleListAudit handles GET /api/v1/admin/audit
func (h *AdminHandler) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		_ = utils.WriteNotFound(w, "Audit store not configured")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	records, err := h.records.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, services.Wrap(services.ErrSinkUnavailable, err), h.logger)
		return
	}
	_ = utils.WriteOK(w, records)
}

// HandleGetAudit handles GET /api/v1/admin/audit/{requestID}
func (h *AdminHandler) HandleGetAudit(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		_ = utils.WriteNotFound(w, "Audit store not configured")
		return
	}

	requestID := chi.URLParam(r, "requestID")
	records, err := h.records.GetByRequestID(r.Context(), requestID)
	if err != nil {
		HandleServiceError(w, services.Wrap(services.ErrSinkUnavailable, err), h.logger)
		return
	}
	if len(records) == 0 {
		_ = utils.WriteNotFound(w, "No audit records for request")
		return
	}
	_ = utils.WriteOK(w, records)
}

func parseAuditFilter(r *http.Request) (repositories.AuditFilter, error) {
	q := r.URL.Query()
	filter := repositories.AuditFilter{
		Subject: q.Get("subject"),
		Route:   q.Get("route"),
		Limit:   defaultAuditPageSize,
	}

	fields := make(map[string]string)

	switch outcome := models.AuditOutcome(q.Get("outcome")); outcome {
	case "", models.AuditOutcomeAllowed, models.AuditOutcomeDenied:
		filter.Outcome = outcome
	default:
		fields["outcome"] = "outcome must be one of: allowed denied"
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields["since"] = "since must be an RFC3339 timestamp"
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields["until"] = "until must be an RFC3339 timestamp"
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditPageSize {
			fields["limit"] = "limit must be between 1 and " + strconv.Itoa(maxAuditPageSize)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields["offset"] = "offset must be a non-negative integer"
		}
		filter.Offset = n
	}

	if len(fields) > 0 {
		return repositories.AuditFilter{}, &utils.ValidationError{Message: "Validation failed", Fields: fields}
	}
	return filter, nil
}
