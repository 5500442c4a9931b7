// Package validation inspects a company's current state and produces a
// pass/fail verdict with blockers and warnings. It performs no writes.
package validation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker runs one independent validation check. A returned error means the
// check itself could not run, which the engine converts into a fail-closed
// system_dependency blocker.
type Checker interface {
	Name() string
	Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error)
}

// Engine fans out the configured checks concurrently and merges their results.
type Engine struct {
	checks []Checker
	now    func() time.Time
}

// NewEngine builds an engine over the given checks. A nil now falls back to
// time.Now.
func NewEngine(checks []Checker, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{checks: checks, now: now}
}

type checkOutcome struct {
	blockers []Blocker
	warnings []Warning
}

// Validate runs every check concurrently. Internal check failures never
// propagate as errors: they become a system_dependency blocker so validation
// always returns a structured result and closure fails closed.
func (e *Engine) Validate(ctx context.Context, companyID string) Result {
	outcomes := make([]checkOutcome, len(e.checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, check := range e.checks {
		g.Go(func() error {
			blockers, warnings, err := check.Check(gctx, companyID)
			if err != nil {
				outcomes[i] = checkOutcome{blockers: []Blocker{{
					Type:       BlockerSystemDependency,
					Message:    fmt.Sprintf("%s check could not run: %v", check.Name(), err),
					Resolution: "retry once the dependency is reachable, or contact support",
				}}}
				return nil
			}
			outcomes[i] = checkOutcome{blockers: blockers, warnings: warnings}
			return nil
		})
	}
	// Check failures are folded into outcomes above, so Wait returns nil;
	// a cancelled context surfaces as per-check errors and fails closed.
	_ = g.Wait()

	var (
		blockers []Blocker
		warnings []Warning
	)
	for _, out := range outcomes {
		blockers = append(blockers, out.blockers...)
		warnings = append(warnings, out.warnings...)
	}

	return NewResult(blockers, warnings, e.now())
}
