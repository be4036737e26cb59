package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/api-gatekeeper/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UserRepository is the user directory consulted on login
type UserRepository interface {
	// Create creates a new user
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByUsername retrieves a user by username
	GetByUsername(ctx context.Context, username string) (*models.User, error)

	// UpdateLastLogin stamps a successful login
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuditFilter narrows an audit record query. Zero values are ignored.
type AuditFilter struct {
	Subject string
	Route   string
	Outcome models.AuditOutcome
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// AuditRepository persists audit records. Records are append-only.
type AuditRepository interface {
	// Insert appends an audit record
	Insert(ctx context.Context, rec *models.AuditRecord) error

	// GetByRequestID retrieves the records produced for a request
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error)

	// List retrieves records matching the filter, newest first
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditRecord, error)
}

// RolePermissionRepository stores the role to permission mapping
type RolePermissionRepository interface {
	// ListAll returns the complete mapping
	ListAll(ctx context.Context) (map[string][]string, error)

	// Grant adds a permission to a role
	Grant(ctx context.Context, role, permission string) error

	// Revoke removes a permission from a role
	Revoke(ctx context.Context, role, permission string) error

	// ReplaceAll swaps the whole mapping in one transaction
	ReplaceAll(ctx context.Context, mapping map[string][]string) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users           UserRepository
	AuditRecords    AuditRepository
	RolePermissions RolePermissionRepository
}
