// devices.go -- trusted device rows.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const deviceColumns = `id, user_id, device_id, fingerprint, label, ip_address,
	expires_at, last_used_at, revoked_at, created_at`

func scanDevice(row pgx.Row) (*TrustedDevice, error) {
	var d TrustedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.Fingerprint, &d.Label, &d.IPAddress,
		&d.ExpiresAt, &d.LastUsedAt, &d.RevokedAt, &d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// GetTrustedDevice fetches the (userID, deviceID) row in any state.
func (s *PostgresStore) GetTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string) (*TrustedDevice, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM trusted_devices WHERE user_id = $1 AND device_id = $2", userID, deviceID))
}

// UpsertTrustedDevice inserts or re-trusts the (user, device) pair.
// Re-trusting clears a previous revocation and extends the expiry.
func (s *PostgresStore) UpsertTrustedDevice(ctx context.Context, d *TrustedDevice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trusted_devices (id, user_id, device_id, fingerprint, label, ip_address,
			expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			label = EXCLUDED.label,
			ip_address = EXCLUDED.ip_address,
			expires_at = EXCLUDED.expires_at,
			last_used_at = EXCLUDED.last_used_at,
			revoked_at = NULL`,
		d.ID, d.UserID, d.DeviceID, d.Fingerprint, d.Label, d.IPAddress, d.ExpiresAt, d.LastUsedAt, d.CreatedAt)
	return err
}

// TouchTrustedDevice stamps last_used_at.
func (s *PostgresStore) TouchTrustedDevice(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE trusted_devices SET last_used_at = $2 WHERE id = $1", id, at)
	return err
}

// RevokeTrustedDevice revokes one pair. Returns false if nothing live was revoked.
func (s *PostgresStore) RevokeTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trusted_devices SET revoked_at = $3
		WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL`, userID, deviceID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllTrustedDevices revokes every live trusted device of userID.
func (s *PostgresStore) RevokeAllTrustedDevices(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE trusted_devices SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL", userID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListTrustedDevices returns userID's devices that still trust at now.
func (s *PostgresStore) ListTrustedDevices(ctx context.Context, userID uuid.UUID, now time.Time) ([]TrustedDevice, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+deviceColumns+` FROM trusted_devices
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustedDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
