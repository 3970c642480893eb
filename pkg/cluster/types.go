package cluster

import "time"

// Role indicates a member's part in audit designation.
type Role string

const (
	RoleDesignated Role = "designated"
	RoleWaiting    Role = "waiting"
)

// Member is one resource registered for audit designation.
type Member struct {
	ID       string
	Address  string
	Role     Role
	LastSeen time.Time
}

// Designated reports whether the member holds the designation.
func (m Member) Designated() bool { return m.Role == RoleDesignated }
