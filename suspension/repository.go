package suspension

import (
	"context"
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
	// ErrAlreadySuspended signals a live suspension already exists for the company.
	ErrAlreadySuspended = errors.New("suspension: company already suspended")
	// ErrNotSuspended signals there is no live suspension to reactivate.
	ErrNotSuspended = errors.New("suspension: company not suspended")
)

// Repository executes all suspension SQL. Methods taking a pgx.Tx join the
// caller's transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id, company_id, status::text, reason, suspended_by, suspended_at, suspend_until,
	restricted_features, billing_status, deactivated_user_ids, reactivated_by, reactivated_at,
	created_at, updated_at
`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.CompanyID,
		&rec.Status,
		&rec.Reason,
		&rec.SuspendedBy,
		&rec.SuspendedAt,
		&rec.SuspendUntil,
		&rec.RestrictedFeatures,
		&rec.BillingStatus,
		&rec.DeactivatedUserIDs,
		&rec.ReactivatedBy,
		&rec.ReactivatedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// CreateParams enumerates the fields for a new suspension record.
type CreateParams struct {
	CompanyID          string
	Reason             string
	SuspendedBy        string
	SuspendUntil       *time.Time
	RestrictedFeatures []string
	BillingStatus      string
}

// Create inserts the suspension record. The partial unique index backstops
// the guard query; a conflict maps to ErrAlreadySuspended.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	features := params.RestrictedFeatures
	if features == nil {
		features = []string{}
	}
	const query = `
		INSERT INTO suspension_records (company_id, reason, suspended_by, suspend_until, restricted_features, billing_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.CompanyID, params.Reason, params.SuspendedBy, params.SuspendUntil, features, params.BillingStatus))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadySuspended
		}
		return Record{}, fmt.Errorf("suspension: create record: %w", err)
	}
	return rec, nil
}

// ActiveForCompany returns the live suspension for a company inside the
// caller's transaction, locking it against concurrent reactivation.
func (r *Repository) ActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM suspension_records
		WHERE company_id = $1 AND status = 'suspended'
		FOR UPDATE
	`
	rec, err := scanRecord(tx.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotSuspended
		}
		return Record{}, fmt.Errorf("suspension: query active record: %w", err)
	}
	return rec, nil
}

// SuspendCompany flips the company entity to suspended, referencing the
// suspension record as the initiating workflow.
func (r *Repository) SuspendCompany(ctx context.Context, tx pgx.Tx, companyID, recordID, actorID string) (company.Status, error) {
	return company.Transition(ctx, tx, company.TransitionParams{
		CompanyID:   companyID,
		Next:        company.StatusSuspended,
		WorkflowRef: recordID,
		ActorID:     actorID,
	})
}

// RestoreCompany reverts the company entity to its pre-suspension status.
func (r *Repository) RestoreCompany(ctx context.Context, tx pgx.Tx, companyID string) (company.Status, error) {
	return company.Restore(ctx, tx, companyID)
}

// DeactivateActiveUsers bulk-flips every active company user to suspended and
// returns their ids, so reactivation can restore exactly this set.
func (r *Repository) DeactivateActiveUsers(ctx context.Context, tx pgx.Tx, companyID, recordID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE users
		SET status = 'suspended', updated_at = get_tx_timestamp()
		WHERE company_id = $1 AND status = 'active'
		RETURNING id
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("suspension: deactivate users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("suspension: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("suspension: iterate user ids: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE suspension_records
		SET deactivated_user_ids = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, recordID, ids); err != nil {
		return nil, fmt.Errorf("suspension: store deactivated ids: %w", err)
	}

	return ids, nil
}

// ReactivateUsers restores exactly the given users to active, skipping any
// that were deactivated again by another workflow in the meantime.
func (r *Repository) ReactivateUsers(ctx context.Context, tx pgx.Tx, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET status = 'active', updated_at = get_tx_timestamp()
		WHERE id = ANY($1) AND status = 'suspended'
	`, userIDs)
	if err != nil {
		return 0, fmt.Errorf("suspension: reactivate users: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetBillingStatus updates the company's billing status.
func (r *Repository) SetBillingStatus(ctx context.Context, tx pgx.Tx, companyID, status string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE companies SET billing_status = $2, updated_at = get_tx_timestamp() WHERE id = $1
	`, companyID, status); err != nil {
		return fmt.Errorf("suspension: set billing status: %w", err)
	}
	return nil
}

// MarkReactivated closes the suspension episode.
func (r *Repository) MarkReactivated(ctx context.Context, tx pgx.Tx, recordID, actorID string) (Record, error) {
	const query = `
		UPDATE suspension_records
		SET status = 'active', reactivated_by = $2, reactivated_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, recordID, actorID))
	if err != nil {
		return Record{}, fmt.Errorf("suspension: mark reactivated: %w", err)
	}
	return rec, nil
}

// AppendAudit writes one audit entry in the caller's transaction.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, params audit.AppendParams) error {
	return audit.AppendTx(ctx, tx, params)
}

// LatestForCompany returns the most recent suspension record for status reads.
func (r *Repository) LatestForCompany(ctx context.Context, companyID string) (Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM suspension_records
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotSuspended
		}
		return Record{}, fmt.Errorf("suspension: query latest record: %w", err)
	}
	return rec, nil
}

// DueForAutoReactivation lists suspended records whose suspend_until has
// passed, for the background runner.
func (r *Repository) DueForAutoReactivation(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM suspension_records
		WHERE status = 'suspended' AND suspend_until IS NOT NULL AND suspend_until <= get_tx_timestamp()
		ORDER BY suspend_until ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("suspension: query due records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("suspension: scan due record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("suspension: iterate due records: %w", err)
	}
	return out, nil
}
