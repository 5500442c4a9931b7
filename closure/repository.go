package closure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"companyflow/audit"
	"companyflow/company"
)

var (
	// ErrClosureNotFound is returned when no closure row exists.
	ErrClosureNotFound = errors.New("closure: not found")
	// ErrClosureActive signals an active closure already exists for the company.
	ErrClosureActive = errors.New("closure: active closure already exists for company")
	// ErrIllegalTransition is returned for a status change outside the state machine.
	ErrIllegalTransition = errors.New("closure: illegal status transition")
)

// Repository executes all closure SQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id, company_id, status::text, reason_code, reason_note, delete_type,
	initiated_by, initiated_at, scheduled_at, grace_period_ends,
	notify_users, export_requested, export_id,
	current_step, completed_steps, failed_steps, progress_pct, progress_updated_at,
	rollback_available, reminders_sent, metadata, created_at, updated_at
`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec            Record
		completedSteps []string
		failedBody     []byte
		metaBody       []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.CompanyID,
		&rec.Status,
		&rec.ReasonCode,
		&rec.ReasonNote,
		&rec.DeleteType,
		&rec.InitiatedBy,
		&rec.InitiatedAt,
		&rec.ScheduledAt,
		&rec.GracePeriodEnds,
		&rec.NotifyUsers,
		&rec.ExportRequested,
		&rec.ExportID,
		&rec.Progress.CurrentStep,
		&completedSteps,
		&failedBody,
		&rec.Progress.Percentage,
		&rec.Progress.UpdatedAt,
		&rec.RollbackAvailable,
		&rec.RemindersSent,
		&metaBody,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Progress.CompletedSteps = make([]Step, 0, len(completedSteps))
	for _, s := range completedSteps {
		rec.Progress.CompletedSteps = append(rec.Progress.CompletedSteps, Step(s))
	}
	if len(failedBody) > 0 {
		if err := json.Unmarshal(failedBody, &rec.Progress.FailedSteps); err != nil {
			return Record{}, fmt.Errorf("closure: decode failed steps: %w", err)
		}
	}
	if len(metaBody) > 0 {
		if err := json.Unmarshal(metaBody, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("closure: decode metadata: %w", err)
		}
	}
	return rec, nil
}

// CreateParams enumerates the fields for a new closure record.
type CreateParams struct {
	CompanyID       string
	ReasonCode      ReasonCode
	ReasonNote      string
	DeleteType      DeleteType
	InitiatedBy     string
	GracePeriodEnds time.Time
	NotifyUsers     bool
	ExportRequested bool
	Metadata        Metadata
}

// Create inserts the closure record inside the caller's transaction. The
// partial unique index backstops the guard against duplicate initiation.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	metaBody, err := json.Marshal(params.Metadata)
	if err != nil {
		return Record{}, fmt.Errorf("closure: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO closure_records (company_id, reason_code, reason_note, delete_type, initiated_by,
		                             grace_period_ends, notify_users, export_requested, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.CompanyID, params.ReasonCode, params.ReasonNote, params.DeleteType,
		params.InitiatedBy, params.GracePeriodEnds, params.NotifyUsers, params.ExportRequested, metaBody))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrClosureActive
		}
		return Record{}, fmt.Errorf("closure: create record: %w", err)
	}
	return rec, nil
}

// HasActiveForCompany reports whether an active closure exists, locking
// matching rows against concurrent duplicate initiation.
func (r *Repository) HasActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM closure_records
			WHERE company_id = $1
			  AND status IN ('pending_validation', 'scheduled', 'in_progress', 'grace_period')
			FOR UPDATE
		)
	`, companyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("closure: query active closure: %w", err)
	}
	return exists, nil
}

// GetByID fetches one closure record.
func (r *Repository) GetByID(ctx context.Context, closureID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM closure_records WHERE id = $1`, closureID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClosureNotFound
		}
		return Record{}, fmt.Errorf("closure: query by id: %w", err)
	}
	return rec, nil
}

// LatestForCompany returns the most recent closure record for status reads.
func (r *Repository) LatestForCompany(ctx context.Context, companyID string) (Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM closure_records
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClosureNotFound
		}
		return Record{}, fmt.Errorf("closure: query latest record: %w", err)
	}
	return rec, nil
}

// ActiveForCompany returns the active closure record, locked, inside the
// caller's transaction.
func (r *Repository) ActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM closure_records
		WHERE company_id = $1
		  AND status IN ('pending_validation', 'scheduled', 'in_progress', 'grace_period')
		FOR UPDATE
	`
	rec, err := scanRecord(tx.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClosureNotFound
		}
		return Record{}, fmt.Errorf("closure: query active record: %w", err)
	}
	return rec, nil
}

// FailedForCompany returns the most recent failed closure record, locked,
// inside the caller's transaction. Rollback of a failed closure goes through
// this path.
func (r *Repository) FailedForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM closure_records
		WHERE company_id = $1 AND status = 'failed'
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`
	rec, err := scanRecord(tx.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClosureNotFound
		}
		return Record{}, fmt.Errorf("closure: query failed record: %w", err)
	}
	return rec, nil
}

// SetStatus performs a checked state-machine transition inside the caller's
// transaction, re-reading the current status under lock.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, closureID string, next Status) (Record, error) {
	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM closure_records WHERE id=$1 FOR UPDATE`, closureID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClosureNotFound
		}
		return Record{}, fmt.Errorf("closure: fetch current status: %w", err)
	}
	if !CanTransition(current, next) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, next)
	}

	const query = `
		UPDATE closure_records
		SET status = $2::closure_status,
		    scheduled_at = CASE WHEN $2 = 'scheduled' THEN get_tx_timestamp() ELSE scheduled_at END,
		    rollback_available = CASE WHEN $2 IN ('completed', 'cancelled', 'rolled_back', 'validation_failed')
		                              THEN false ELSE rollback_available END,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, closureID, next))
	if err != nil {
		return Record{}, fmt.Errorf("closure: set status %s: %w", next, err)
	}
	return rec, nil
}

// StoreValidation embeds the validation result in record metadata.
func (r *Repository) StoreValidation(ctx context.Context, tx pgx.Tx, closureID string, body []byte) error {
	if _, err := tx.Exec(ctx, `
		UPDATE closure_records
		SET metadata = jsonb_set(metadata, '{validation}', $2::jsonb),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, closureID, body); err != nil {
		return fmt.Errorf("closure: store validation: %w", err)
	}
	return nil
}

// ClaimScheduled atomically claims up to limit scheduled records for step
// execution, moving them to in_progress. SKIP LOCKED keeps concurrent
// runners from double-claiming.
func (r *Repository) ClaimScheduled(ctx context.Context, limit int) ([]Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("closure: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM closure_records
		WHERE status = 'scheduled'
		ORDER BY scheduled_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("closure: query scheduled: %w", err)
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("closure: scan scheduled id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure: iterate scheduled: %w", err)
	}

	claimed := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.SetStatus(ctx, tx, id, StatusInProgress)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("closure: commit claim tx: %w", err)
	}
	return claimed, nil
}

// ListGracePeriod returns records waiting out their grace period.
func (r *Repository) ListGracePeriod(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM closure_records
		WHERE status = 'grace_period'
		ORDER BY grace_period_ends ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("closure: query grace records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("closure: scan grace record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure: iterate grace records: %w", err)
	}
	return out, nil
}

// CompleteStep appends the step to completed_steps and recomputes the
// percentage from the fixed step count.
func (r *Repository) CompleteStep(ctx context.Context, closureID string, step Step) error {
	if _, err := StepIndex(step); err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE closure_records
		SET completed_steps = array_append(completed_steps, $2),
		    current_step = $2,
		    progress_pct = LEAST(100, (array_length(array_append(completed_steps, $2), 1) * 100) / $3),
		    progress_updated_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, closureID, string(step), TotalSteps); err != nil {
		return fmt.Errorf("closure: complete step %s: %w", step, err)
	}
	return nil
}

// FailStep appends the failure to failed_steps without advancing progress.
func (r *Repository) FailStep(ctx context.Context, closureID string, step Step, cause error) error {
	if _, err := StepIndex(step); err != nil {
		return err
	}
	entry, err := json.Marshal(FailedStep{Step: step, Error: cause.Error(), FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("closure: marshal failed step: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE closure_records
		SET failed_steps = failed_steps || $2::jsonb,
		    current_step = $3,
		    progress_updated_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, closureID, entry, string(step)); err != nil {
		return fmt.Errorf("closure: record failed step %s: %w", step, err)
	}
	return nil
}

// SetExportID links the closure-purpose export run to the record.
func (r *Repository) SetExportID(ctx context.Context, closureID, exportID string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE closure_records SET export_id = $2, updated_at = get_tx_timestamp() WHERE id = $1
	`, closureID, exportID); err != nil {
		return fmt.Errorf("closure: set export id: %w", err)
	}
	return nil
}

// MarkReminded records a sent reminder milestone so each fires at most once.
func (r *Repository) MarkReminded(ctx context.Context, closureID string, milestone int) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE closure_records
		SET reminders_sent = array_append(reminders_sent, $2), updated_at = get_tx_timestamp()
		WHERE id = $1
	`, closureID, milestone); err != nil {
		return fmt.Errorf("closure: mark reminded: %w", err)
	}
	return nil
}

// TransitionCompany flips the company entity via the checked transition
// function, referencing this closure as the initiating workflow.
func (r *Repository) TransitionCompany(ctx context.Context, tx pgx.Tx, companyID string, next company.Status, closureID, actorID string) (company.Status, error) {
	return company.Transition(ctx, tx, company.TransitionParams{
		CompanyID:   companyID,
		Next:        next,
		WorkflowRef: closureID,
		ActorID:     actorID,
	})
}

// RestoreCompany reverts the company entity to its pre-closure status.
func (r *Repository) RestoreCompany(ctx context.Context, tx pgx.Tx, companyID string) (company.Status, error) {
	return company.Restore(ctx, tx, companyID)
}

// PurgeCompanyData permanently deletes the company's operational data. Only
// called at finalization of a permanent-delete closure.
func (r *Repository) PurgeCompanyData(ctx context.Context, tx pgx.Tx, companyID string) error {
	statements := []string{
		`DELETE FROM sessions WHERE company_id = $1`,
		`DELETE FROM assessment_attempts WHERE company_id = $1`,
		`DELETE FROM invoices WHERE company_id = $1`,
		`DELETE FROM integrations WHERE company_id = $1`,
		`DELETE FROM users WHERE company_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, companyID); err != nil {
			return fmt.Errorf("closure: purge company data: %w", err)
		}
	}
	return nil
}

// Certificate is a write-once data-retention attestation.
type Certificate struct {
	ID              string
	CompanyID       string
	CompanyName     string
	DataTypes       []string
	RetentionMonths int
	DestructionDate time.Time
	IssuedAt        time.Time
	IssuedBy        string
	LegalBasis      string
	ContactEmail    string
}

// IssueCertificate writes the retention certificate inside the caller's
// transaction.
func (r *Repository) IssueCertificate(ctx context.Context, tx pgx.Tx, cert Certificate) (Certificate, error) {
	const query = `
		INSERT INTO retention_certificates (company_id, company_name, data_types, retention_months,
		                                    destruction_date, issued_by, legal_basis, contact_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, issued_at
	`
	err := tx.QueryRow(ctx, query,
		cert.CompanyID, cert.CompanyName, cert.DataTypes, cert.RetentionMonths,
		cert.DestructionDate, cert.IssuedBy, cert.LegalBasis, cert.ContactEmail,
	).Scan(&cert.ID, &cert.IssuedAt)
	if err != nil {
		return Certificate{}, fmt.Errorf("closure: issue certificate: %w", err)
	}
	return cert, nil
}

// Step-support writes executed by the runner.

// CloseOpenAssessments force-closes in-progress attempts.
func (r *Repository) CloseOpenAssessments(ctx context.Context, companyID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE assessment_attempts
		SET status = 'expired', finished_at = get_tx_timestamp()
		WHERE company_id = $1 AND status = 'in_progress'
	`, companyID)
	if err != nil {
		return 0, fmt.Errorf("closure: close assessments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateUsers flips all non-deactivated company users to deactivated and
// returns their ids for identity-provider sync.
func (r *Repository) DeactivateUsers(ctx context.Context, companyID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE users
		SET status = 'deactivated', updated_at = get_tx_timestamp()
		WHERE company_id = $1 AND status <> 'deactivated'
		RETURNING id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("closure: deactivate users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("closure: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure: iterate user ids: %w", err)
	}
	return ids, nil
}

// ResolveBilling voids open invoices and closes the billing account.
func (r *Repository) ResolveBilling(ctx context.Context, companyID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = 'voided' WHERE company_id = $1 AND status IN ('open', 'overdue')
	`, companyID)
	if err != nil {
		return 0, fmt.Errorf("closure: void invoices: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE companies SET billing_status = 'closed', updated_at = get_tx_timestamp() WHERE id = $1
	`, companyID); err != nil {
		return 0, fmt.Errorf("closure: close billing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateIntegrations switches off all active integrations.
func (r *Repository) DeactivateIntegrations(ctx context.Context, companyID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE integrations SET active = false WHERE company_id = $1 AND active
	`, companyID)
	if err != nil {
		return 0, fmt.Errorf("closure: deactivate integrations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteSessions drops all sessions for the company.
func (r *Repository) DeleteSessions(ctx context.Context, companyID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE company_id = $1`, companyID)
	if err != nil {
		return 0, fmt.Errorf("closure: delete sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendAudit writes one audit entry in the caller's transaction.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, params audit.AppendParams) error {
	return audit.AppendTx(ctx, tx, params)
}

// Begin starts a transaction on the underlying pool, for service paths that
// compose repository calls transactionally.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}
