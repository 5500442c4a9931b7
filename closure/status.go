package closure

import "fmt"

// Status is the closure state machine. Transitions outside statusTransitions
// are rejected at write time.
type Status string

const (
	StatusPendingValidation Status = "pending_validation"
	StatusValidationFailed  Status = "validation_failed"
	StatusScheduled         Status = "scheduled"
	StatusInProgress        Status = "in_progress"
	StatusGracePeriod       Status = "grace_period"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRolledBack        Status = "rolled_back"
)

var statusTransitions = map[Status][]Status{
	StatusPendingValidation: {StatusValidationFailed, StatusScheduled, StatusCancelled, StatusRolledBack},
	StatusScheduled:         {StatusInProgress, StatusCancelled, StatusRolledBack},
	StatusInProgress:        {StatusGracePeriod, StatusFailed, StatusCancelled, StatusRolledBack},
	StatusGracePeriod:       {StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack},
	StatusFailed:            {StatusRolledBack},
}

// Active reports whether the record still occupies the one-active-per-company
// slot.
func (s Status) Active() bool {
	switch s {
	case StatusPendingValidation, StatusScheduled, StatusInProgress, StatusGracePeriod:
		return true
	default:
		return false
	}
}

// Terminal reports whether the record is immutable except for audit appends.
// A failed record is not terminal: it can still be rolled back.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRolledBack, StatusValidationFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is the closed enumeration of closure workflow steps, in execution
// order. Percentage-complete derives from position in stepOrder, so an
// invalid step name is a construction-time error rather than a silent no-op.
type Step string

const (
	StepValidation         Step = "validation"
	StepUserNotification   Step = "user_notification"
	StepDataExport         Step = "data_export"
	StepAssessmentClosure  Step = "assessment_closure"
	StepUserDeactivation   Step = "user_deactivation"
	StepBillingResolution  Step = "billing_resolution"
	StepIntegrationCleanup Step = "integration_cleanup"
	StepDataArchival       Step = "data_archival"
	StepFinalCleanup       Step = "final_cleanup"
	StepAuditFinalization  Step = "audit_finalization"
)

var stepOrder = []Step{
	StepValidation,
	StepUserNotification,
	StepDataExport,
	StepAssessmentClosure,
	StepUserDeactivation,
	StepBillingResolution,
	StepIntegrationCleanup,
	StepDataArchival,
	StepFinalCleanup,
	StepAuditFinalization,
}

// TotalSteps is the fixed denominator for percentage computation.
var TotalSteps = len(stepOrder)

// StepIndex returns a step's position in the fixed order.
func StepIndex(s Step) (int, error) {
	for i, step := range stepOrder {
		if step == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("closure: unknown step %q", s)
}

// StepPercentage converts a completed-step count to percent complete.
func StepPercentage(completed int) int {
	if completed <= 0 {
		return 0
	}
	if completed >= TotalSteps {
		return 100
	}
	return completed * 100 / TotalSteps
}
