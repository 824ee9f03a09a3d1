package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom-identity/internal/domain"
)

// Compile-time interface assertions.
var (
	_ TenantRepository = (*PostgresTenantRepo)(nil)
	_ UserRepository   = (*PostgresUserRepo)(nil)
)

const uniqueViolation = "23505"

// wrapPG maps driver errors onto the repository sentinels so services never
// import pgx.
func wrapPG(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresTenantRepo implements TenantRepository.
type PostgresTenantRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTenantRepo(pool *pgxpool.Pool) *PostgresTenantRepo {
	return &PostgresTenantRepo{db: pool}
}

const selectTenantSQL = `SELECT id, name, slug, plan, licensed_seats, status, created_at, updated_at
FROM tenants WHERE %s = $1`

func (r *PostgresTenantRepo) GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error) {
	return r.getTenant(ctx, fmt.Sprintf(selectTenantSQL, "id"), tenantID)
}

func (r *PostgresTenantRepo) GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	return r.getTenant(ctx, fmt.Sprintf(selectTenantSQL, "slug"), slug)
}

func (r *PostgresTenantRepo) getTenant(ctx context.Context, query string, arg any) (domain.Tenant, error) {
	var t domain.Tenant
	var plan string
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&t.ID, &t.Name, &t.Slug, &plan, &t.LicensedSeats, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Tenant{}, wrapPG("get tenant", err)
	}
	t.Plan = domain.PlanTier(plan)
	return t, nil
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const selectUserSQL = `SELECT id, email, email_verified, name, avatar_url, passkey_enabled, status, created_at, updated_at
FROM users WHERE %s = $1`

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	return r.getUser(ctx, fmt.Sprintf(selectUserSQL, "id"), userID)
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getUser(ctx, fmt.Sprintf(selectUserSQL, "lower(email)"), email)
}

func (r *PostgresUserRepo) getUser(ctx context.Context, query string, arg any) (domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.EmailVerified, &u.Name, &u.AvatarURL, &u.PasskeyEnabled, &u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, wrapPG("get user", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) MarkEmailVerified(ctx context.Context, userID int64, at time.Time) error {
	const query = `UPDATE users SET email_verified = TRUE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, userID, at); err != nil {
		return wrapPG("mark email verified", err)
	}
	return nil
}

func (r *PostgresUserRepo) SetPasskeyEnabled(ctx context.Context, userID int64, enabled bool) error {
	const query = `UPDATE users SET passkey_enabled = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, userID, enabled); err != nil {
		return wrapPG("set passkey enabled", err)
	}
	return nil
}
