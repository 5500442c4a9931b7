// Package audit appends immutable entries describing every state-changing
// action performed against a lifecycle record. Entries are never edited or
// removed; the trail for a workflow is self-contained under its parent record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ParentKind scopes an audit trail to its owning workflow record.
type ParentKind string

const (
	ParentClosure    ParentKind = "closure"
	ParentSuspension ParentKind = "suspension"
	ParentExport     ParentKind = "export"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string
	ParentKind   ParentKind
	ParentID     string
	Action       string
	PerformedBy  string
	Details      map[string]any
	Outcome      Outcome
	ErrorMessage *string
	CreatedAt    time.Time
}

// Recorder appends and lists audit entries.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder wires a pgxpool-backed recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// AppendParams describes one entry to append.
type AppendParams struct {
	ParentKind   ParentKind
	ParentID     string
	Action       string
	PerformedBy  string
	Details      map[string]any
	Outcome      Outcome
	ErrorMessage string
}

const insertSQL = `
INSERT INTO audit_entries (parent_kind, parent_id, action, performed_by, details, outcome, error_message)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
`

func appendArgs(params AppendParams) ([]any, error) {
	if params.ParentID == "" {
		return nil, fmt.Errorf("audit: missing parent id")
	}
	if params.Action == "" {
		return nil, fmt.Errorf("audit: missing action")
	}
	if params.Outcome == "" {
		params.Outcome = OutcomeSuccess
	}
	details := params.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	var errMsg any
	if params.ErrorMessage != "" {
		errMsg = params.ErrorMessage
	}
	return []any{params.ParentKind, params.ParentID, params.Action, params.PerformedBy, body, params.Outcome, errMsg}, nil
}

// AppendTx appends an entry inside the caller's transaction so the audit row
// commits or rolls back with the mutation it describes.
func AppendTx(ctx context.Context, tx pgx.Tx, params AppendParams) error {
	args, err := appendArgs(params)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// Append appends an entry outside any transaction, for actions whose state
// change already committed (e.g. recording an async phase failure).
func (r *Recorder) Append(ctx context.Context, params AppendParams) error {
	args, err := appendArgs(params)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

// List returns the trail for a parent record in append order.
func (r *Recorder) List(ctx context.Context, kind ParentKind, parentID string) ([]Entry, error) {
	const query = `
		SELECT id, parent_kind, parent_id, action, performed_by, details, outcome, error_message, created_at
		FROM audit_entries
		WHERE parent_kind = $1 AND parent_id = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, kind, parentID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e    Entry
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.ParentKind, &e.ParentID, &e.Action, &e.PerformedBy, &body, &e.Outcome, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}

	return entries, nil
}
