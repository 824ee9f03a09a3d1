package domain

import "time"

// PlanTier identifies the subscription tier a tenant is on.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanEnterprise PlanTier = "enterprise"
)

// BaseSeatCap returns the number of active members the tier allows before
// purchased licenses are taken into account.
func (t PlanTier) BaseSeatCap() int {
	switch t {
	case PlanStarter:
		return 5
	case PlanGrowth:
		return 25
	case PlanEnterprise:
		return 500
	default:
		return 1
	}
}

// Tenant represents an isolated workspace.
type Tenant struct {
	ID            int64
	Name          string
	Slug          string
	Plan          PlanTier
	LicensedSeats int
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SeatCap is the effective member limit: the greater of the tier's base cap
// and the purchased license count.
func (t Tenant) SeatCap() int {
	base := t.Plan.BaseSeatCap()
	if t.LicensedSeats > base {
		return t.LicensedSeats
	}
	return base
}
