package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SeededCompany is one fixture company with its principals.
type SeededCompany struct {
	ID      string
	OwnerID string
	Members []string
}

// SeedCompany inserts a company with an owner and n additional members, all
// active, with settled billing. The fixture starts closable: tests add
// blockers on top as needed.
func SeedCompany(ctx context.Context, pool *pgxpool.Pool, name string, n int) (SeededCompany, error) {
	var out SeededCompany
	err := pool.QueryRow(ctx, `
		INSERT INTO companies (name, contact_email) VALUES ($1, $2) RETURNING id
	`, name, fmt.Sprintf("ops@%s.example", name)).Scan(&out.ID)
	if err != nil {
		return out, fmt.Errorf("seed company: %w", err)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO users (company_id, email, full_name, role) VALUES ($1, $2, $3, 'owner') RETURNING id
	`, out.ID, fmt.Sprintf("owner@%s.example", name), "Owner "+name).Scan(&out.OwnerID)
	if err != nil {
		return out, fmt.Errorf("seed owner: %w", err)
	}

	for i := 0; i < n; i++ {
		var id string
		err = pool.QueryRow(ctx, `
			INSERT INTO users (company_id, email, full_name, role) VALUES ($1, $2, $3, 'member') RETURNING id
		`, out.ID, fmt.Sprintf("member%d@%s.example", i, name), fmt.Sprintf("Member %d", i)).Scan(&id)
		if err != nil {
			return out, fmt.Errorf("seed member: %w", err)
		}
		out.Members = append(out.Members, id)
	}

	// Paid history so the billing check passes by default.
	_, err = pool.Exec(ctx, `
		INSERT INTO invoices (company_id, amount_due, status, due_at) VALUES ($1, 120.00, 'paid', $2)
	`, out.ID, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		return out, fmt.Errorf("seed invoice: %w", err)
	}

	return out, nil
}

// AddOpenInvoice creates a billing blocker for the company.
func AddOpenInvoice(ctx context.Context, pool *pgxpool.Pool, companyID string, amount float64) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO invoices (company_id, amount_due, status, due_at) VALUES ($1, $2, 'open', $3)
	`, companyID, amount, time.Now().Add(14*24*time.Hour))
	return err
}

// AddInProgressAssessment creates an active-assessment blocker.
func AddInProgressAssessment(ctx context.Context, pool *pgxpool.Pool, companyID string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO assessment_attempts (company_id, title, status) VALUES ($1, 'Backend screen', 'in_progress')
	`, companyID)
	return err
}

// AddLegalHold creates a legal-hold blocker.
func AddLegalHold(ctx context.Context, pool *pgxpool.Pool, companyID, placedBy string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO legal_holds (company_id, reason, placed_by) VALUES ($1, 'litigation hold', $2)
	`, companyID, placedBy)
	return err
}

// AddSession creates one live session for the user.
func AddSession(ctx context.Context, pool *pgxpool.Pool, companyID, userID string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO sessions (company_id, user_id, expires_at) VALUES ($1, $2, $3)
	`, companyID, userID, time.Now().Add(time.Hour))
	return err
}
