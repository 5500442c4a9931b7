package validation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultChecks wires the five production checks against the shared pool.
func DefaultChecks(pool *pgxpool.Pool) []Checker {
	return []Checker{
		&BillingCheck{pool: pool},
		&AssessmentCheck{pool: pool},
		&SessionCheck{pool: pool},
		&LegalHoldCheck{pool: pool},
		&IntegrationCheck{pool: pool},
	}
}

// BillingCheck blocks closure while unpaid invoices remain.
type BillingCheck struct {
	pool *pgxpool.Pool
}

func (c *BillingCheck) Name() string { return "billing" }

func (c *BillingCheck) Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error) {
	var count int
	var total float64
	err := c.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(sum(amount_due), 0)
		FROM invoices
		WHERE company_id = $1 AND status IN ('open', 'overdue')
	`, companyID).Scan(&count, &total)
	if err != nil {
		return nil, nil, fmt.Errorf("query open invoices: %w", err)
	}
	if count > 0 {
		return []Blocker{{
			Type:       BlockerBilling,
			Message:    fmt.Sprintf("%d unpaid invoice(s) totalling %.2f", count, total),
			Resolution: "settle or void all open invoices before closing",
		}}, nil, nil
	}
	return nil, nil, nil
}

// AssessmentCheck blocks closure while candidates are mid-assessment.
type AssessmentCheck struct {
	pool *pgxpool.Pool
}

func (c *AssessmentCheck) Name() string { return "assessments" }

func (c *AssessmentCheck) Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT count(*) FROM assessment_attempts
		WHERE company_id = $1 AND status = 'in_progress'
	`, companyID).Scan(&count)
	if err != nil {
		return nil, nil, fmt.Errorf("query active attempts: %w", err)
	}
	if count > 0 {
		return []Blocker{{
			Type:       BlockerActiveAssessment,
			Message:    fmt.Sprintf("%d assessment attempt(s) still in progress", count),
			Resolution: "wait for candidates to finish or force-close the attempts",
		}}, nil, nil
	}
	return nil, nil, nil
}

// SessionCheck warns on live sign-ins; a large number blocks.
type SessionCheck struct {
	pool *pgxpool.Pool
}

func (c *SessionCheck) Name() string { return "sessions" }

// sessionBlockThreshold is the live-session count above which closure is
// considered disruptive enough to block rather than warn.
const sessionBlockThreshold = 50

func (c *SessionCheck) Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT count(*) FROM sessions
		WHERE company_id = $1 AND expires_at > get_tx_timestamp()
	`, companyID).Scan(&count)
	if err != nil {
		return nil, nil, fmt.Errorf("query live sessions: %w", err)
	}
	switch {
	case count > sessionBlockThreshold:
		return []Blocker{{
			Type:       BlockerActiveSessions,
			Message:    fmt.Sprintf("%d users are currently signed in", count),
			Resolution: "notify users and retry once activity subsides",
		}}, nil, nil
	case count > 0:
		return nil, []Warning{{
			Type:    "active_sessions",
			Message: fmt.Sprintf("%d users are currently signed in and will lose access", count),
			Impact:  ImpactMedium,
		}}, nil
	}
	return nil, nil, nil
}

// LegalHoldCheck blocks closure while any unreleased legal hold exists.
type LegalHoldCheck struct {
	pool *pgxpool.Pool
}

func (c *LegalHoldCheck) Name() string { return "legal holds" }

func (c *LegalHoldCheck) Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT count(*) FROM legal_holds
		WHERE company_id = $1 AND released_at IS NULL
	`, companyID).Scan(&count)
	if err != nil {
		return nil, nil, fmt.Errorf("query legal holds: %w", err)
	}
	if count > 0 {
		return []Blocker{{
			Type:       BlockerLegalHold,
			Message:    fmt.Sprintf("%d unreleased legal hold(s) on company data", count),
			Resolution: "legal must release every hold before data can be destroyed",
		}}, nil, nil
	}
	return nil, nil, nil
}

// IntegrationCheck blocks on active critical integrations and warns on
// non-critical ones.
type IntegrationCheck struct {
	pool *pgxpool.Pool
}

func (c *IntegrationCheck) Name() string { return "integrations" }

func (c *IntegrationCheck) Check(ctx context.Context, companyID string) ([]Blocker, []Warning, error) {
	var critical, other int
	err := c.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE critical),
			count(*) FILTER (WHERE NOT critical)
		FROM integrations
		WHERE company_id = $1 AND active
	`, companyID).Scan(&critical, &other)
	if err != nil {
		return nil, nil, fmt.Errorf("query integrations: %w", err)
	}

	var (
		blockers []Blocker
		warnings []Warning
	)
	if critical > 0 {
		blockers = append(blockers, Blocker{
			Type:       BlockerIntegration,
			Message:    fmt.Sprintf("%d critical system integration(s) still active", critical),
			Resolution: "disconnect critical integrations before closing",
		})
	}
	if other > 0 {
		warnings = append(warnings, Warning{
			Type:    "active_integrations",
			Message: fmt.Sprintf("%d non-critical integration(s) will stop receiving data", other),
			Impact:  ImpactLow,
		})
	}
	return blockers, warnings, nil
}
