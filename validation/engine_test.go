package validation

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubCheck struct {
	name     string
	blockers []Blocker
	warnings []Warning
	err      error
}

func (s stubCheck) Name() string { return s.name }

func (s stubCheck) Check(context.Context, string) ([]Blocker, []Warning, error) {
	return s.blockers, s.warnings, s.err
}

func TestValidate_MergesAllOutcomes(t *testing.T) {
	engine := NewEngine([]Checker{
		stubCheck{name: "billing", blockers: []Blocker{{Type: BlockerBilling, Message: "2 open invoices"}}},
		stubCheck{name: "sessions", warnings: []Warning{{Type: "active_sessions", Message: "4 live sessions", Impact: ImpactLow}}},
		stubCheck{name: "holds"},
	}, nil)

	result := engine.Validate(context.Background(), "co-1")
	if result.CanClose {
		t.Fatal("expected blocked result")
	}
	if len(result.Blockers) != 1 || result.Blockers[0].Type != BlockerBilling {
		t.Fatalf("blockers = %+v", result.Blockers)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %+v", result.Warnings)
	}
}

func TestValidate_CheckErrorFailsClosed(t *testing.T) {
	engine := NewEngine([]Checker{
		stubCheck{name: "integrations", err: errors.New("registry unreachable")},
	}, nil)

	result := engine.Validate(context.Background(), "co-1")
	if result.CanClose {
		t.Fatal("a broken check must not allow closure")
	}
	if len(result.Blockers) != 1 {
		t.Fatalf("blockers = %+v", result.Blockers)
	}
	if result.Blockers[0].Type != BlockerSystemDependency {
		t.Fatalf("blocker type = %s, want system_dependency", result.Blockers[0].Type)
	}
}

func TestValidate_EmptyEngineAllowsClosure(t *testing.T) {
	engine := NewEngine(nil, func() time.Time { return time.Unix(1700000000, 0) })

	result := engine.Validate(context.Background(), "co-1")
	if !result.CanClose {
		t.Fatal("expected closable result")
	}
	if result.Blockers == nil || result.Warnings == nil {
		t.Fatal("blockers and warnings must be non-nil slices")
	}
	if !result.CheckedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("checkedAt = %s", result.CheckedAt)
	}
}

func TestNewResult_DerivesCanClose(t *testing.T) {
	if r := NewResult(nil, nil, time.Now()); !r.CanClose {
		t.Error("no blockers should allow closure")
	}
	if r := NewResult([]Blocker{{Type: BlockerLegalHold}}, nil, time.Now()); r.CanClose {
		t.Error("blockers should prevent closure")
	}
}
