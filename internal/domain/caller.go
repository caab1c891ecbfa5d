package domain

// SystemUserID identifies actions taken by the platform itself (expiry
// sweeps, arbitration) rather than by a trade participant.
const SystemUserID = "system"

// Caller is the identity resolved upstream for a request. The core trusts
// the user and tenant it is given.
type Caller struct {
	UserID   string
	TenantID string
	Verified bool
}

// SystemCaller returns the platform actor scoped to a tenant.
func SystemCaller(tenantID string) Caller {
	return Caller{UserID: SystemUserID, TenantID: tenantID, Verified: true}
}

// IsSystem reports whether c is the platform actor.
func (c Caller) IsSystem() bool {
	return c.UserID == SystemUserID
}
