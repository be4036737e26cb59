package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, timestamp, request_id, subject, route, method, outcome,
	deny_kind, reason, stage, status_code, latency_ms, client_ip, user_agent`

// AuditRepository implements the repositories.AuditRepository interface.
// It is also the postgres audit sink.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an audit record
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rec.ID,
		rec.Timestamp,
		rec.RequestID,
		rec.Subject,
		rec.Route,
		rec.Method,
		rec.Outcome,
		rec.DenyKind,
		rec.Reason,
		rec.Stage,
		rec.StatusCode,
		rec.LatencyMs(),
		rec.ClientIP,
		rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// GetByRequestID retrieves the records produced for a request
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE request_id = $1 ORDER BY timestamp DESC`
	return r.queryAuditRecords(ctx, query, requestID)
}

// List retrieves records matching the filter, newest first
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Subject != "" {
		add("subject = $%d", filter.Subject)
	}
	if filter.Route != "" {
		add("route = $%d", filter.Route)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= $%d", filter.Until)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY timestamp DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.queryAuditRecords(ctx, query, args...)
}

func (r *AuditRepository) queryAuditRecords(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		rec := &models.AuditRecord{}
		var latencyMs int64
		err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.RequestID,
			&rec.Subject,
			&rec.Route,
			&rec.Method,
			&rec.Outcome,
			&rec.DenyKind,
			&rec.Reason,
			&rec.Stage,
			&rec.StatusCode,
			&latencyMs,
			&rec.ClientIP,
			&rec.UserAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit record rows: %w", err)
	}

	return records, nil
}
