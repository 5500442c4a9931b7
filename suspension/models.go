package suspension

import "time"

// Status of a suspension episode.
type Status string

const (
	StatusSuspended Status = "suspended"
	StatusActive    Status = "active"
)

// Record mirrors the suspension_records table. One record per episode; the
// deactivated user ids make reactivation restore exactly the users this
// episode touched.
type Record struct {
	ID                 string
	CompanyID          string
	Status             Status
	Reason             string
	SuspendedBy        string
	SuspendedAt        time.Time
	SuspendUntil       *time.Time
	RestrictedFeatures []string
	BillingStatus      string
	DeactivatedUserIDs []string
	ReactivatedBy      *string
	ReactivatedAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SuspendRequest carries caller options for a suspension.
type SuspendRequest struct {
	Reason             string     `json:"reason"`
	SuspendUntil       *time.Time `json:"suspendUntil,omitempty"`
	RestrictAccess     bool       `json:"restrictAccess"`
	SuspendBilling     bool       `json:"suspendBilling"`
	RestrictedFeatures []string   `json:"restrictedFeatures,omitempty"`
	NotifyMembers      bool       `json:"notifyMembers"`
}
