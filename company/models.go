package company

import "time"

// Status enumerates the operational states a company can be in.
type Status string

const (
	StatusActive         Status = "active"
	StatusSuspended      Status = "suspended"
	StatusPendingClosure Status = "pending_closure"
	StatusArchived       Status = "archived"
	StatusClosed         Status = "closed"
)

// Company mirrors the companies table. No JSON annotations so it can be
// reused by different presentation layers.
type Company struct {
	ID             string
	Name           string
	ContactEmail   string
	Status         Status
	PreviousStatus *Status
	WorkflowRef    *string
	BillingStatus  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserRole enumerates membership roles within a company.
type UserRole string

const (
	RoleMember UserRole = "member"
	RoleAdmin  UserRole = "admin"
	RoleOwner  UserRole = "owner"
)

// UserStatus enumerates member account states.
type UserStatus string

const (
	UserActive      UserStatus = "active"
	UserSuspended   UserStatus = "suspended"
	UserDeactivated UserStatus = "deactivated"
)

// Member is a user belonging to a company.
type Member struct {
	ID        string
	CompanyID string
	Email     string
	FullName  string
	Role      UserRole
	Status    UserStatus
}

// IsAdmin reports whether the member can act on company-level workflows.
func (m Member) IsAdmin() bool {
	return m.Role == RoleAdmin || m.Role == RoleOwner
}
