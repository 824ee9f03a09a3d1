package domain

import "time"

// User represents a platform identity. Authentication credentials live with
// the external identity provider and the passkey store; the core only tracks
// the verified email and passkey enablement.
type User struct {
	ID             int64
	Email          string
	EmailVerified  bool
	Name           string
	AvatarURL      string
	PasskeyEnabled bool
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
