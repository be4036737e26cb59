package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/api-gatekeeper/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return Wrap(db, logger), nil
}

// Wrap adapts an existing pool, e.g. one opened by sqlmock
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

const usersSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL DEFAULT '',
		password_hash VARCHAR(255) NOT NULL,
		roles TEXT[] NOT NULL DEFAULT '{}',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login_at TIMESTAMPTZ
	);
`

const rolePermissionsSchema = `
	CREATE TABLE IF NOT EXISTS role_permissions (
		role VARCHAR(100) NOT NULL,
		permission VARCHAR(255) NOT NULL,
		PRIMARY KEY (role, permission)
	);
`

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_records (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		request_id VARCHAR(255),
		subject VARCHAR(255) NOT NULL,
		route VARCHAR(255) NOT NULL,
		method VARCHAR(16) NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		deny_kind VARCHAR(32),
		reason VARCHAR(64),
		stage VARCHAR(32),
		status_code INTEGER NOT NULL,
		latency_ms BIGINT NOT NULL,
		client_ip VARCHAR(45),
		user_agent TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_records_subject ON audit_records(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_records_request_id ON audit_records(request_id);
`

// InitSchema creates the directory, role mapping and audit tables
func (db *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range []string{usersSchema, rolePermissionsSchema, auditSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema creates only the audit table.
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
