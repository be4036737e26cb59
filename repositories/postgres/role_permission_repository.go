package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/upb/api-gatekeeper/repositories"
	"go.uber.org/zap"
)

// RolePermissionRepository implements the repositories.RolePermissionRepository interface
type RolePermissionRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewRolePermissionRepository creates a new role permission repository
func NewRolePermissionRepository(db *DB, tm repositories.TransactionManager, logger *zap.Logger) *RolePermissionRepository {
	return &RolePermissionRepository{
		db:     db,
		tm:     tm,
		logger: logger,
	}
}

// ListAll returns the complete role to permission mapping
func (r *RolePermissionRepository) ListAll(ctx context.Context) (map[string][]string, error) {
	query := `SELECT role, permission FROM role_permissions ORDER BY role, permission`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string][]string)
	for rows.Next() {
		var role, permission string
		if err := rows.Scan(&role, &permission); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		mapping[role] = append(mapping[role], permission)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role permission rows: %w", err)
	}

	return mapping, nil
}

// Grant adds a permission to a role
func (r *RolePermissionRepository) Grant(ctx context.Context, role, permission string) error {
	query := `
		INSERT INTO role_permissions (role, permission)
		VALUES ($1, $2)
		ON CONFLICT (role, permission) DO NOTHING
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, role, permission); err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}

	r.logger.Debug("permission granted", zap.String("role", role), zap.String("permission", permission))
	return nil
}

// Revoke removes a permission from a role
func (r *RolePermissionRepository) Revoke(ctx context.Context, role, permission string) error {
	query := `DELETE FROM role_permissions WHERE role = $1 AND permission = $2`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, role, permission); err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}

	r.logger.Debug("permission revoked", zap.String("role", role), zap.String("permission", permission))
	return nil
}

// ReplaceAll swaps the whole mapping in one transaction
func (r *RolePermissionRepository) ReplaceAll(ctx context.Context, mapping map[string][]string) error {
	roles := make([]string, 0, len(mapping))
	for role := range mapping {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	return r.tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		if _, err := GetExecutor(txCtx, r.db).ExecContext(txCtx, `DELETE FROM role_permissions`); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}
		for _, role := range roles {
			for _, permission := range mapping[role] {
				if err := r.Grant(txCtx, role, permission); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
