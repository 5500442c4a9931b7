package validation

import "time"

// BlockerType is the machine-readable class of a blocking condition.
type BlockerType string

const (
	BlockerBilling          BlockerType = "billing"
	BlockerActiveAssessment BlockerType = "active_assessment"
	BlockerActiveSessions   BlockerType = "active_sessions"
	BlockerLegalHold        BlockerType = "legal_hold"
	BlockerIntegration      BlockerType = "integration"
	BlockerSystemDependency BlockerType = "system_dependency"
)

// Impact level of a warning.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Blocker is a condition that disallows closure until resolved.
type Blocker struct {
	Type       BlockerType `json:"type"`
	Message    string      `json:"message"`
	Resolution string      `json:"resolution"`
}

// Warning is a non-blocking condition surfaced for operator awareness.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Impact  Impact `json:"impact"`
}

// Result is the verdict for one validation run. CanClose holds iff Blockers
// is empty; construct results through NewResult to keep that invariant.
type Result struct {
	CanClose  bool      `json:"canClose"`
	Blockers  []Blocker `json:"blockers"`
	Warnings  []Warning `json:"warnings"`
	CheckedAt time.Time `json:"checkedAt"`
}

// NewResult assembles a Result, deriving CanClose from the blocker list.
func NewResult(blockers []Blocker, warnings []Warning, checkedAt time.Time) Result {
	if blockers == nil {
		blockers = []Blocker{}
	}
	if warnings == nil {
		warnings = []Warning{}
	}
	return Result{
		CanClose:  len(blockers) == 0,
		Blockers:  blockers,
		Warnings:  warnings,
		CheckedAt: checkedAt,
	}
}
