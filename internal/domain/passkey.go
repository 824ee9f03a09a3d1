package domain

import "time"

// Passkey device types as reported by the authenticator's backup-eligible
// flag.
const (
	PasskeySingleDevice = "single_device"
	PasskeyMultiDevice  = "multi_device"
)

// PasskeyCredential is a WebAuthn public-key credential registered by a user.
// SignatureCounter is monotonically non-decreasing; a counter of zero marks
// an authenticator that does not implement counters.
type PasskeyCredential struct {
	ID               int64
	UserID           int64
	CredentialID     string
	PublicKey        []byte
	SignatureCounter uint32
	Transports       []string
	DeviceType       string
	BackupState      bool
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}
