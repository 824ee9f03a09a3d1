package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom-identity/internal/domain"
)

var _ RoleRepository = (*PostgresRoleRepo)(nil)

// PostgresRoleRepo implements RoleRepository.
type PostgresRoleRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRoleRepo(pool *pgxpool.Pool) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: pool}
}

const roleColumns = `id, tenant_id, name, slug, hierarchy_level, is_system, is_protected, created_at, updated_at`

func scanRole(row pgx.Row) (domain.Role, error) {
	var r domain.Role
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Slug, &r.HierarchyLevel, &r.IsSystem, &r.IsProtected, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (r *PostgresRoleRepo) GetRole(ctx context.Context, tenantID, roleID int64) (domain.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE tenant_id = $1 AND id = $2`, roleColumns)
	role, err := scanRole(r.db.QueryRow(ctx, query, tenantID, roleID))
	if err != nil {
		return domain.Role{}, wrapPG("get role", err)
	}
	return role, nil
}

func (r *PostgresRoleRepo) GetRoleBySlug(ctx context.Context, tenantID int64, slug string) (domain.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE tenant_id = $1 AND slug = $2`, roleColumns)
	role, err := scanRole(r.db.QueryRow(ctx, query, tenantID, slug))
	if err != nil {
		return domain.Role{}, wrapPG("get role by slug", err)
	}
	return role, nil
}

func (r *PostgresRoleRepo) ListRoles(ctx context.Context, tenantID int64) ([]domain.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE tenant_id = $1 ORDER BY hierarchy_level, name`, roleColumns)
	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, wrapPG("list roles", err)
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, wrapPG("list roles", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PostgresRoleRepo) CreateRole(ctx context.Context, role domain.Role) (domain.Role, error) {
	query := fmt.Sprintf(`INSERT INTO roles (id, tenant_id, name, slug, hierarchy_level, is_system, is_protected)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING %s`, roleColumns)
	created, err := scanRole(r.db.QueryRow(ctx, query,
		role.ID, role.TenantID, role.Name, role.Slug, role.HierarchyLevel, role.IsSystem, role.IsProtected,
	))
	if err != nil {
		return domain.Role{}, wrapPG("create role", err)
	}
	return created, nil
}

func (r *PostgresRoleRepo) UpdateRole(ctx context.Context, role domain.Role) (domain.Role, error) {
	query := fmt.Sprintf(`UPDATE roles SET name = $3, hierarchy_level = $4, updated_at = now()
WHERE tenant_id = $1 AND id = $2
RETURNING %s`, roleColumns)
	updated, err := scanRole(r.db.QueryRow(ctx, query, role.TenantID, role.ID, role.Name, role.HierarchyLevel))
	if err != nil {
		return domain.Role{}, wrapPG("update role", err)
	}
	return updated, nil
}

func (r *PostgresRoleRepo) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	const query = `DELETE FROM roles WHERE tenant_id = $1 AND id = $2 AND is_protected = FALSE AND is_system = FALSE`
	tag, err := r.db.Exec(ctx, query, tenantID, roleID)
	if err != nil {
		return wrapPG("delete role", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete role: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresRoleRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	const query = `SELECT permission_key FROM role_permissions WHERE role_id = $1 ORDER BY permission_key`
	rows, err := r.db.Query(ctx, query, roleID)
	if err != nil {
		return nil, wrapPG("list role permissions", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapPG("list role permissions", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SetRolePermissions replaces the grant set in one transaction.
func (r *PostgresRoleRepo) SetRolePermissions(ctx context.Context, tenantID, roleID int64, keys []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return wrapPG("set role permissions", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return wrapPG("set role permissions", err)
	}
	for _, key := range keys {
		_, err := tx.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission_key) VALUES ($1, $2)`,
			roleID, key,
		)
		if err != nil {
			return wrapPG("set role permissions", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPG("set role permissions", err)
	}
	return nil
}

func (r *PostgresRoleRepo) ListPermissions(ctx context.Context) ([]domain.Permission, error) {
	const query = `SELECT key, description, requires_mfa, is_critical FROM permissions ORDER BY key`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, wrapPG("list permissions", err)
	}
	defer rows.Close()

	var perms []domain.Permission
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.Key, &p.Description, &p.RequiresMFA, &p.IsCritical); err != nil {
			return nil, wrapPG("list permissions", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *PostgresRoleRepo) UpsertPermissions(ctx context.Context, permissions []domain.Permission) error {
	const query = `INSERT INTO permissions (key, description, requires_mfa, is_critical)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET description = EXCLUDED.description,
	requires_mfa = EXCLUDED.requires_mfa,
	is_critical = EXCLUDED.is_critical`
	for _, p := range permissions {
		if _, err := r.db.Exec(ctx, query, p.Key, p.Description, p.RequiresMFA, p.IsCritical); err != nil {
			return wrapPG("upsert permissions", err)
		}
	}
	return nil
}
