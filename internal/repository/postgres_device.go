package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom-identity/internal/domain"
)

var (
	_ DeviceRepository  = (*PostgresDeviceRepo)(nil)
	_ PasskeyRepository = (*PostgresPasskeyRepo)(nil)
)

// PostgresDeviceRepo implements DeviceRepository.
type PostgresDeviceRepo struct {
	db *pgxpool.Pool
}

func NewPostgresDeviceRepo(pool *pgxpool.Pool) *PostgresDeviceRepo {
	return &PostgresDeviceRepo{db: pool}
}

const deviceColumns = `id, user_id, fingerprint_hash, trusted_until, created_at, updated_at`

func scanDevice(row pgx.Row) (domain.TrustedDevice, error) {
	var d domain.TrustedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.FingerprintHash, &d.TrustedUntil, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (r *PostgresDeviceRepo) Get(ctx context.Context, userID int64, fingerprintHash string) (domain.TrustedDevice, error) {
	query := fmt.Sprintf(`SELECT %s FROM trusted_devices WHERE user_id = $1 AND fingerprint_hash = $2`, deviceColumns)
	d, err := scanDevice(r.db.QueryRow(ctx, query, userID, fingerprintHash))
	if err != nil {
		return domain.TrustedDevice{}, wrapPG("get trusted device", err)
	}
	return d, nil
}

// Upsert inserts or refreshes the (user, fingerprint) row. GREATEST keeps the
// later expiry, so trust never moves backwards.
func (r *PostgresDeviceRepo) Upsert(ctx context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error) {
	query := fmt.Sprintf(`INSERT INTO trusted_devices (id, user_id, fingerprint_hash, trusted_until)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, fingerprint_hash) DO UPDATE
SET trusted_until = GREATEST(trusted_devices.trusted_until, EXCLUDED.trusted_until),
	updated_at = now()
RETURNING %s`, deviceColumns)
	d, err := scanDevice(r.db.QueryRow(ctx, query,
		device.ID, device.UserID, device.FingerprintHash, device.TrustedUntil,
	))
	if err != nil {
		return domain.TrustedDevice{}, wrapPG("upsert trusted device", err)
	}
	return d, nil
}

// PostgresPasskeyRepo implements PasskeyRepository.
type PostgresPasskeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresPasskeyRepo(pool *pgxpool.Pool) *PostgresPasskeyRepo {
	return &PostgresPasskeyRepo{db: pool}
}

const passkeyColumns = `id, user_id, credential_id, public_key, signature_counter, transports, device_type, backup_state, created_at, last_used_at`

func scanPasskey(row pgx.Row) (domain.PasskeyCredential, error) {
	var c domain.PasskeyCredential
	err := row.Scan(
		&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.SignatureCounter,
		&c.Transports, &c.DeviceType, &c.BackupState, &c.CreatedAt, &c.LastUsedAt,
	)
	return c, err
}

func (r *PostgresPasskeyRepo) ListByUser(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	query := fmt.Sprintf(`SELECT %s FROM passkey_credentials WHERE user_id = $1 ORDER BY created_at`, passkeyColumns)
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapPG("list passkeys", err)
	}
	defer rows.Close()

	var creds []domain.PasskeyCredential
	for rows.Next() {
		c, err := scanPasskey(rows)
		if err != nil {
			return nil, wrapPG("list passkeys", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *PostgresPasskeyRepo) GetByCredentialID(ctx context.Context, credentialID string) (domain.PasskeyCredential, error) {
	query := fmt.Sprintf(`SELECT %s FROM passkey_credentials WHERE credential_id = $1`, passkeyColumns)
	c, err := scanPasskey(r.db.QueryRow(ctx, query, credentialID))
	if err != nil {
		return domain.PasskeyCredential{}, wrapPG("get passkey", err)
	}
	return c, nil
}

func (r *PostgresPasskeyRepo) Create(ctx context.Context, credential domain.PasskeyCredential) (domain.PasskeyCredential, error) {
	query := fmt.Sprintf(`INSERT INTO passkey_credentials (id, user_id, credential_id, public_key, signature_counter, transports, device_type, backup_state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING %s`, passkeyColumns)
	c, err := scanPasskey(r.db.QueryRow(ctx, query,
		credential.ID, credential.UserID, credential.CredentialID, credential.PublicKey,
		credential.SignatureCounter, credential.Transports, credential.DeviceType, credential.BackupState,
	))
	if err != nil {
		return domain.PasskeyCredential{}, wrapPG("create passkey", err)
	}
	return c, nil
}

func (r *PostgresPasskeyRepo) UpdateCounter(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	const query = `UPDATE passkey_credentials SET signature_counter = $2, last_used_at = $3
WHERE credential_id = $1`
	tag, err := r.db.Exec(ctx, query, credentialID, counter, usedAt)
	if err != nil {
		return wrapPG("update passkey counter", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update passkey counter: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresPasskeyRepo) Delete(ctx context.Context, userID int64, credentialID string) error {
	const query = `DELETE FROM passkey_credentials WHERE user_id = $1 AND credential_id = $2`
	tag, err := r.db.Exec(ctx, query, userID, credentialID)
	if err != nil {
		return wrapPG("delete passkey", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete passkey: %w", ErrNotFound)
	}
	return nil
}

func (r *PostgresPasskeyRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM passkey_credentials WHERE user_id = $1`
	var n int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, wrapPG("count passkeys", err)
	}
	return n, nil
}
