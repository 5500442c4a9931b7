package company

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrIllegalTransition is returned when the requested status change is not in
// the legal-transition table.
var ErrIllegalTransition = errors.New("company: illegal status transition")

// legalTransitions is the closed set of permitted company status changes.
// Reactivation targets are resolved from the persisted previous status, so
// suspended/pending_closure list every state they can return to.
var legalTransitions = map[Status][]Status{
	StatusActive:         {StatusSuspended, StatusPendingClosure},
	StatusSuspended:      {StatusActive, StatusPendingClosure},
	StatusPendingClosure: {StatusActive, StatusSuspended, StatusArchived, StatusClosed},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionParams identifies the status change and the workflow that caused it.
type TransitionParams struct {
	CompanyID   string
	Next        Status
	WorkflowRef string
	ActorID     string
}

// Transition reads the company's current status under a row lock, validates
// the change against the legal-transition table, and writes the new status
// together with the previous status and the initiating workflow reference.
// It runs inside the caller's transaction so the status write commits or
// rolls back with the rest of the workflow mutation. Returns the status the
// company held before the change.
func Transition(ctx context.Context, tx pgx.Tx, params TransitionParams) (Status, error) {
	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM companies WHERE id=$1 FOR UPDATE`, params.CompanyID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("company: fetch current status: %w", err)
	}

	if !transitionAllowed(current, params.Next) {
		return current, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, params.Next)
	}

	var workflowRef any
	if params.WorkflowRef != "" {
		workflowRef = params.WorkflowRef
	}
	if _, err := tx.Exec(ctx, `
        UPDATE companies
        SET status=$1::company_status,
            previous_status=$2::company_status,
            workflow_ref=$3,
            updated_at=get_tx_timestamp()
        WHERE id=$4
    `, params.Next, current, workflowRef, params.CompanyID); err != nil {
		return current, fmt.Errorf("company: update status: %w", err)
	}

	return current, nil
}

// Restore reverts a company to its persisted previous status, clearing the
// workflow reference. Used by closure rollback and suspension reactivation.
func Restore(ctx context.Context, tx pgx.Tx, companyID string) (Status, error) {
	var restored Status
	err := tx.QueryRow(ctx, `
        UPDATE companies
        SET status=COALESCE(previous_status, 'active'::company_status),
            previous_status=NULL,
            workflow_ref=NULL,
            updated_at=get_tx_timestamp()
        WHERE id=$1
        RETURNING status
    `, companyID).Scan(&restored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("company: restore status: %w", err)
	}
	return restored, nil
}
