package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom-identity/internal/domain"
)

var _ InviteRepository = (*PostgresInviteRepo)(nil)

// PostgresInviteRepo implements InviteRepository.
type PostgresInviteRepo struct {
	db *pgxpool.Pool
}

func NewPostgresInviteRepo(pool *pgxpool.Pool) *PostgresInviteRepo {
	return &PostgresInviteRepo{db: pool}
}

const inviteColumns = `id, tenant_id, email, role_id, token_hash, invited_by, resend_count, status, member_id, expires_at, created_at, updated_at`

func scanInvite(row pgx.Row) (domain.TenantInvite, error) {
	var i domain.TenantInvite
	var status string
	err := row.Scan(
		&i.ID, &i.TenantID, &i.Email, &i.RoleID, &i.TokenHash, &i.InvitedBy,
		&i.ResendCount, &status, &i.MemberID, &i.ExpiresAt, &i.CreatedAt, &i.UpdatedAt,
	)
	i.Status = domain.InviteStatus(status)
	return i, err
}

func (r *PostgresInviteRepo) GetByID(ctx context.Context, tenantID, inviteID int64) (domain.TenantInvite, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_invites WHERE tenant_id = $1 AND id = $2`, inviteColumns)
	invite, err := scanInvite(r.db.QueryRow(ctx, query, tenantID, inviteID))
	if err != nil {
		return domain.TenantInvite{}, wrapPG("get invite", err)
	}
	return invite, nil
}

func (r *PostgresInviteRepo) GetByTokenHash(ctx context.Context, tokenHash string) (domain.TenantInvite, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_invites WHERE token_hash = $1`, inviteColumns)
	invite, err := scanInvite(r.db.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return domain.TenantInvite{}, wrapPG("get invite by token", err)
	}
	return invite, nil
}

func (r *PostgresInviteRepo) GetPendingByEmail(ctx context.Context, tenantID int64, email string) (domain.TenantInvite, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_invites
WHERE tenant_id = $1 AND lower(email) = lower($2) AND status = 'pending'`, inviteColumns)
	invite, err := scanInvite(r.db.QueryRow(ctx, query, tenantID, email))
	if err != nil {
		return domain.TenantInvite{}, wrapPG("get pending invite", err)
	}
	return invite, nil
}

func (r *PostgresInviteRepo) ListByTenant(ctx context.Context, tenantID int64) ([]domain.TenantInvite, error) {
	query := fmt.Sprintf(`SELECT %s FROM tenant_invites WHERE tenant_id = $1 ORDER BY created_at DESC`, inviteColumns)
	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, wrapPG("list invites", err)
	}
	defer rows.Close()

	var invites []domain.TenantInvite
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, wrapPG("list invites", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

func (r *PostgresInviteRepo) Create(ctx context.Context, invite domain.TenantInvite) (domain.TenantInvite, error) {
	query := fmt.Sprintf(`INSERT INTO tenant_invites (id, tenant_id, email, role_id, token_hash, invited_by, resend_count, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending', $7)
RETURNING %s`, inviteColumns)
	created, err := scanInvite(r.db.QueryRow(ctx, query,
		invite.ID, invite.TenantID, invite.Email, invite.RoleID, invite.TokenHash, invite.InvitedBy, invite.ExpiresAt,
	))
	if err != nil {
		return domain.TenantInvite{}, wrapPG("create invite", err)
	}
	return created, nil
}

// Rotate swaps the token hash and pushes the expiry forward on resend. The
// previous token stops resolving the moment this commits.
func (r *PostgresInviteRepo) Rotate(ctx context.Context, inviteID int64, tokenHash string, expiresAt time.Time, resendCount int) error {
	const query = `UPDATE tenant_invites
SET token_hash = $2, expires_at = $3, resend_count = $4, updated_at = now()
WHERE id = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, inviteID, tokenHash, expiresAt, resendCount)
	if err != nil {
		return wrapPG("rotate invite", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rotate invite: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresInviteRepo) UpdateStatus(ctx context.Context, inviteID int64, status domain.InviteStatus) error {
	const query = `UPDATE tenant_invites SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, inviteID, string(status))
	if err != nil {
		return wrapPG("update invite status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update invite status: %w", ErrNotFound)
	}
	return nil
}

// MarkAccepted keeps the token hash on the row so a replayed accept resolves
// to a state conflict rather than an unknown token.
func (r *PostgresInviteRepo) MarkAccepted(ctx context.Context, inviteID, memberID int64) error {
	const query = `UPDATE tenant_invites SET status = 'accepted', member_id = $2, updated_at = now()
WHERE id = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, inviteID, memberID)
	if err != nil {
		return wrapPG("mark invite accepted", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark invite accepted: %w", ErrConflict)
	}
	return nil
}
