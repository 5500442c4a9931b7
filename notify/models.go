package notify

import "time"

// Type keys the template used for a lifecycle notification.
type Type string

const (
	TypeClosureInitiated   Type = "closure_initiated"
	TypeGracePeriodEnding  Type = "grace_period_ending"
	TypeClosureCompleted   Type = "closure_completed"
	TypeClosureCancelled   Type = "closure_cancelled"
	TypeSuspensionNotice   Type = "suspension_notice"
	TypeReactivationNotice Type = "reactivation_notice"
	TypeDataExportReady    Type = "data_export_ready"
)

// DeliveryStatus tracks the outcome of one recipient's send.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery is the persisted record of one recipient's notification.
type Delivery struct {
	ID         string
	ParentKind string
	ParentID   string
	Type       Type
	Recipient  string
	Status     DeliveryStatus
	Attempts   int
	LastError  *string
	SentAt     *time.Time
}

// Message is a rendered notification handed to the mail collaborator.
type Message struct {
	To      string
	Subject string
	Body    string
}
