package closure

import (
	"time"

	"companyflow/validation"
)

// ConfirmationPhrase is the literal a caller must supply verbatim to initiate
// closure. A mismatch is rejected before any state is touched.
const ConfirmationPhrase = "PERMANENTLY CLOSE COMPANY"

// DeleteType selects what finalization does with company data.
type DeleteType string

const (
	DeleteArchive   DeleteType = "archive"
	DeletePermanent DeleteType = "permanent"
)

// ReasonCode is the enumerated cause for a closure.
type ReasonCode string

const (
	ReasonBusinessClosed    ReasonCode = "business_closed"
	ReasonSwitchingProvider ReasonCode = "switching_provider"
	ReasonCost              ReasonCode = "cost"
	ReasonCompliance        ReasonCode = "compliance"
	ReasonOther             ReasonCode = "other"
)

func validReason(code ReasonCode) bool {
	switch code {
	case ReasonBusinessClosed, ReasonSwitchingProvider, ReasonCost, ReasonCompliance, ReasonOther:
		return true
	default:
		return false
	}
}

// FailedStep records one step failure on the record.
type FailedStep struct {
	Step     Step      `json:"step"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Progress is the step-level progress block.
type Progress struct {
	CurrentStep    Step         `json:"currentStep"`
	CompletedSteps []Step       `json:"completedSteps"`
	FailedSteps    []FailedStep `json:"failedSteps"`
	Percentage     int          `json:"percentage"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Metadata snapshots company scale at initiation and embeds the validation
// result that permitted (or blocked) closure.
type Metadata struct {
	CompanyName string             `json:"companyName"`
	Snapshot    map[string]int     `json:"snapshot"`
	Validation  *validation.Result `json:"validation,omitempty"`
	PrevStatus  string             `json:"prevStatus,omitempty"`
}

// Record mirrors the closure_records table.
type Record struct {
	ID                string
	CompanyID         string
	Status            Status
	ReasonCode        ReasonCode
	ReasonNote        string
	DeleteType        DeleteType
	InitiatedBy       string
	InitiatedAt       time.Time
	ScheduledAt       *time.Time
	GracePeriodEnds   time.Time
	NotifyUsers       bool
	ExportRequested   bool
	ExportID          *string
	Progress          Progress
	RollbackAvailable bool
	RemindersSent     []int
	Metadata          Metadata
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Request carries caller options for initiating a closure.
type Request struct {
	Reason          ReasonCode `json:"reason"`
	ReasonNote      string     `json:"reasonNote,omitempty"`
	DeleteType      DeleteType `json:"deleteType"`
	GracePeriodDays int        `json:"gracePeriodDays,omitempty"`
	Confirmation    string     `json:"confirmation"`
	NotifyUsers     bool       `json:"notifyUsers"`
	ExportData      bool       `json:"exportData"`
}

// InitiationResult is the structured envelope returned to the caller.
type InitiationResult struct {
	Success         bool               `json:"success"`
	ClosureID       string             `json:"closureId,omitempty"`
	Status          Status             `json:"status,omitempty"`
	GracePeriodEnds *time.Time         `json:"gracePeriodEnds,omitempty"`
	Validation      *validation.Result `json:"validation,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	NextSteps       []string           `json:"nextSteps,omitempty"`
}
