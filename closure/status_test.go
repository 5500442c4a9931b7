package closure

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPendingValidation, StatusScheduled},
		{StatusPendingValidation, StatusValidationFailed},
		{StatusScheduled, StatusInProgress},
		{StatusScheduled, StatusCancelled},
		{StatusInProgress, StatusGracePeriod},
		{StatusInProgress, StatusFailed},
		{StatusGracePeriod, StatusCompleted},
		{StatusGracePeriod, StatusCancelled},
		{StatusFailed, StatusRolledBack},
	}
	for _, c := range allowed {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusInProgress},
		{StatusCancelled, StatusScheduled},
		{StatusValidationFailed, StatusScheduled},
		{StatusGracePeriod, StatusInProgress},
		{StatusScheduled, StatusCompleted},
		{StatusRolledBack, StatusPendingValidation},
		{StatusFailed, StatusInProgress},
	}
	for _, c := range denied {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be denied", c.from, c.to)
		}
	}
}

func TestTerminalAndActiveArePartitioned(t *testing.T) {
	all := []Status{
		StatusPendingValidation, StatusValidationFailed, StatusScheduled,
		StatusInProgress, StatusGracePeriod, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRolledBack,
	}
	for _, s := range all {
		if s.Active() && s.Terminal() {
			t.Errorf("%s cannot be both active and terminal", s)
		}
	}
	// failed is neither: no longer active, still eligible for rollback.
	if StatusFailed.Active() || StatusFailed.Terminal() {
		t.Error("failed should be neither active nor terminal")
	}
}

func TestStepOrderAndPercentage(t *testing.T) {
	if TotalSteps != 10 {
		t.Fatalf("TotalSteps = %d, want 10", TotalSteps)
	}
	if i, err := StepIndex(StepValidation); err != nil || i != 0 {
		t.Errorf("StepIndex(validation) = %d, %v", i, err)
	}
	if i, err := StepIndex(StepAuditFinalization); err != nil || i != TotalSteps-1 {
		t.Errorf("StepIndex(audit_finalization) = %d, %v", i, err)
	}
	if _, err := StepIndex("teardown"); err == nil {
		t.Error("expected error for unknown step")
	}

	cases := []struct{ completed, want int }{
		{-1, 0}, {0, 0}, {1, 10}, {5, 50}, {10, 100}, {12, 100},
	}
	for _, c := range cases {
		if got := StepPercentage(c.completed); got != c.want {
			t.Errorf("StepPercentage(%d) = %d, want %d", c.completed, got, c.want)
		}
	}
}
