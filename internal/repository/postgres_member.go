package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom-identity/internal/domain"
)

var _ MemberRepository = (*PostgresMemberRepo)(nil)

// PostgresMemberRepo implements MemberRepository.
type PostgresMemberRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMemberRepo(pool *pgxpool.Pool) *PostgresMemberRepo {
	return &PostgresMemberRepo{db: pool}
}

const memberColumns = `id, tenant_id, user_id, primary_role_id, is_owner, status, retention_expires_at, created_at, updated_at`

func scanMember(row pgx.Row) (domain.TenantMember, error) {
	var m domain.TenantMember
	var status string
	err := row.Scan(
		&m.ID, &m.TenantID, &m.UserID, &m.PrimaryRoleID, &m.IsOwner, &status, &m.RetentionExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	m.Status = domain.MemberStatus(status)
	return m, err
}

func (r *PostgresMemberRepo) GetMember(ctx context.Context, tenantID, userID int64) (domain.TenantMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_members WHERE tenant_id = $1 AND user_id = $2`, memberColumns)
	m, err := scanMember(r.db.QueryRow(ctx, query, tenantID, userID))
	if err != nil {
		return domain.TenantMember{}, wrapPG("get member", err)
	}
	return m, nil
}

func (r *PostgresMemberRepo) GetMemberByID(ctx context.Context, tenantID, memberID int64) (domain.TenantMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_members WHERE tenant_id = $1 AND id = $2`, memberColumns)
	m, err := scanMember(r.db.QueryRow(ctx, query, tenantID, memberID))
	if err != nil {
		return domain.TenantMember{}, wrapPG("get member by id", err)
	}
	return m, nil
}

func (r *PostgresMemberRepo) ListMembers(ctx context.Context, tenantID int64) ([]domain.TenantMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_members WHERE tenant_id = $1 ORDER BY created_at`, memberColumns)
	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, wrapPG("list members", err)
	}
	defer rows.Close()

	var members []domain.TenantMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, wrapPG("list members", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *PostgresMemberRepo) ListMemberships(ctx context.Context, userID int64) ([]domain.Membership, error) {
	const query = `SELECT t.id, t.name, t.slug, ro.name, ro.slug, m.is_owner, m.status
FROM tenant_members m
JOIN tenants t ON t.id = m.tenant_id
JOIN roles ro ON ro.id = m.primary_role_id
WHERE m.user_id = $1 AND m.status IN ('active', 'suspended')
ORDER BY t.name`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapPG("list memberships", err)
	}
	defer rows.Close()

	var views []domain.Membership
	for rows.Next() {
		var v domain.Membership
		var status string
		if err := rows.Scan(&v.TenantID, &v.TenantName, &v.TenantSlug, &v.RoleName, &v.RoleSlug, &v.IsOwner, &status); err != nil {
			return nil, wrapPG("list memberships", err)
		}
		v.Status = domain.MemberStatus(status)
		views = append(views, v)
	}
	return views, rows.Err()
}

func (r *PostgresMemberRepo) CountActive(ctx context.Context, tenantID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM tenant_members WHERE tenant_id = $1 AND status = 'active'`
	var n int
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&n); err != nil {
		return 0, wrapPG("count active members", err)
	}
	return n, nil
}

// CreateSeatChecked inserts an active member only if the tenant has seat
// headroom. The tenant row is locked for the duration of the check so
// concurrent inserts serialize.
func (r *PostgresMemberRepo) CreateSeatChecked(ctx context.Context, member domain.TenantMember, cap int) (domain.TenantMember, error) {
	var created domain.TenantMember
	err := r.withSeatLock(ctx, member.TenantID, cap, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`INSERT INTO tenant_members (id, tenant_id, user_id, primary_role_id, is_owner, status)
VALUES ($1, $2, $3, $4, $5, 'active')
RETURNING %s`, memberColumns)
		m, err := scanMember(tx.QueryRow(ctx, query,
			member.ID, member.TenantID, member.UserID, member.PrimaryRoleID, member.IsOwner,
		))
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return domain.TenantMember{}, err
	}
	return created, nil
}

// ReactivateSeatChecked flips a suspended or removed member back to active
// under the same seat lock as CreateSeatChecked.
func (r *PostgresMemberRepo) ReactivateSeatChecked(ctx context.Context, tenantID, memberID, roleID int64, cap int) (domain.TenantMember, error) {
	var updated domain.TenantMember
	err := r.withSeatLock(ctx, tenantID, cap, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`UPDATE tenant_members
SET status = 'active', primary_role_id = $3, retention_expires_at = NULL, updated_at = now()
WHERE tenant_id = $1 AND id = $2
RETURNING %s`, memberColumns)
		m, err := scanMember(tx.QueryRow(ctx, query, tenantID, memberID, roleID))
		if err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		return domain.TenantMember{}, err
	}
	return updated, nil
}

func (r *PostgresMemberRepo) withSeatLock(ctx context.Context, tenantID int64, cap int, mutate func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return wrapPG("seat-checked mutation", err)
	}
	defer tx.Rollback(ctx)

	var lockedID int64
	if err := tx.QueryRow(ctx, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&lockedID); err != nil {
		return wrapPG("seat-checked mutation", err)
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tenant_members WHERE tenant_id = $1 AND status = 'active'`,
		tenantID,
	).Scan(&active)
	if err != nil {
		return wrapPG("seat-checked mutation", err)
	}
	if active >= cap {
		return fmt.Errorf("seat-checked mutation: %w", ErrSeatLimit)
	}

	if err := mutate(tx); err != nil {
		return wrapPG("seat-checked mutation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPG("seat-checked mutation", err)
	}
	return nil
}

func (r *PostgresMemberRepo) UpdateRoleAssignment(ctx context.Context, tenantID, memberID, roleID int64) error {
	const query = `UPDATE tenant_members SET primary_role_id = $3, updated_at = now()
WHERE tenant_id = $1 AND id = $2`
	tag, err := r.db.Exec(ctx, query, tenantID, memberID, roleID)
	if err != nil {
		return wrapPG("update role assignment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update role assignment: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresMemberRepo) UpdateStatus(ctx context.Context, tenantID, memberID int64, status domain.MemberStatus, retentionExpiresAt *time.Time) error {
	const query = `UPDATE tenant_members SET status = $3, retention_expires_at = $4, updated_at = now()
WHERE tenant_id = $1 AND id = $2`
	tag, err := r.db.Exec(ctx, query, tenantID, memberID, string(status), retentionExpiresAt)
	if err != nil {
		return wrapPG("update member status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update member status: %w", ErrNotFound)
	}
	return nil
}

const assignmentColumns = `id, tenant_id, user_id, role_id, status, expires_at, created_at`

func scanAssignment(row pgx.Row) (domain.SecondaryRoleAssignment, error) {
	var a domain.SecondaryRoleAssignment
	var status string
	err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleID, &status, &a.ExpiresAt, &a.CreatedAt)
	a.Status = domain.AssignmentStatus(status)
	return a, err
}

func (r *PostgresMemberRepo) ListSecondaryAssignments(ctx context.Context, tenantID, userID int64) ([]domain.SecondaryRoleAssignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM secondary_role_assignments
WHERE tenant_id = $1 AND user_id = $2 AND status = 'active'
ORDER BY created_at`, assignmentColumns)
	rows, err := r.db.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, wrapPG("list secondary assignments", err)
	}
	defer rows.Close()

	var assignments []domain.SecondaryRoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, wrapPG("list secondary assignments", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *PostgresMemberRepo) CreateSecondaryAssignment(ctx context.Context, assignment domain.SecondaryRoleAssignment) (domain.SecondaryRoleAssignment, error) {
	query := fmt.Sprintf(`INSERT INTO secondary_role_assignments (id, tenant_id, user_id, role_id, status, expires_at)
VALUES ($1, $2, $3, $4, 'active', $5)
RETURNING %s`, assignmentColumns)
	created, err := scanAssignment(r.db.QueryRow(ctx, query,
		assignment.ID, assignment.TenantID, assignment.UserID, assignment.RoleID, assignment.ExpiresAt,
	))
	if err != nil {
		return domain.SecondaryRoleAssignment{}, wrapPG("create secondary assignment", err)
	}
	return created, nil
}

func (r *PostgresMemberRepo) RevokeSecondaryAssignment(ctx context.Context, tenantID, userID, roleID int64) error {
	const query = `UPDATE secondary_role_assignments SET status = 'revoked'
WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3 AND status = 'active'`
	tag, err := r.db.Exec(ctx, query, tenantID, userID, roleID)
	if err != nil {
		return wrapPG("revoke secondary assignment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke secondary assignment: %w", ErrNotFound)
	}
	return nil
}
