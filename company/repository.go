package company

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested company does not exist.
var ErrNotFound = errors.New("company: not found")

// Repository provides read access to companies and their members.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a company by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Company, error) {
	const query = `
		SELECT id, name, contact_email, status::text, previous_status::text, workflow_ref::text, billing_status, created_at, updated_at
		FROM companies
		WHERE id = $1
	`

	var c Company
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.ContactEmail,
		&c.Status,
		&c.PreviousStatus,
		&c.WorkflowRef,
		&c.BillingStatus,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, ErrNotFound
		}
		return Company{}, fmt.Errorf("company: query by id: %w", err)
	}

	return c, nil
}

// ListMembers fetches all members of a company, owners and admins first.
func (r *Repository) ListMembers(ctx context.Context, companyID string) ([]Member, error) {
	const query = `
		SELECT id, company_id, email, full_name, role::text, status::text
		FROM users
		WHERE company_id = $1
		ORDER BY role DESC, email ASC
	`

	rows, err := r.pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("company: list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0, 16)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.Email, &m.FullName, &m.Role, &m.Status); err != nil {
			return nil, fmt.Errorf("company: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("company: iterate members: %w", err)
	}

	return members, nil
}

// GetMember fetches a single member by user id.
func (r *Repository) GetMember(ctx context.Context, userID string) (Member, error) {
	const query = `
		SELECT id, company_id, email, full_name, role::text, status::text
		FROM users
		WHERE id = $1
	`

	var m Member
	err := r.pool.QueryRow(ctx, query, userID).Scan(&m.ID, &m.CompanyID, &m.Email, &m.FullName, &m.Role, &m.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrNotFound
		}
		return Member{}, fmt.Errorf("company: query member: %w", err)
	}

	return m, nil
}

// SizeSnapshot captures company scale at the moment a workflow starts.
type SizeSnapshot struct {
	Users       int `json:"users"`
	Assessments int `json:"assessments"`
	Invoices    int `json:"invoices"`
}

// Snapshot gathers the usage counts embedded in closure metadata.
func (r *Repository) Snapshot(ctx context.Context, companyID string) (SizeSnapshot, error) {
	const query = `
		SELECT
			(SELECT count(*) FROM users WHERE company_id=$1),
			(SELECT count(*) FROM assessment_attempts WHERE company_id=$1),
			(SELECT count(*) FROM invoices WHERE company_id=$1)
	`

	var snap SizeSnapshot
	if err := r.pool.QueryRow(ctx, query, companyID).Scan(&snap.Users, &snap.Assessments, &snap.Invoices); err != nil {
		return SizeSnapshot{}, fmt.Errorf("company: snapshot: %w", err)
	}
	return snap, nil
}
