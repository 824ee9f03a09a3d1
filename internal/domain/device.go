package domain

import "time"

// TrustedDevice records an MFA bypass for one (user, device) pair. The
// fingerprint hash is derived from stable client signals; trust only ever
// extends, never shortens.
type TrustedDevice struct {
	ID              int64
	UserID          int64
	FingerprintHash string
	TrustedUntil    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
