package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrExportNotFound is returned when no export row exists for the id.
	ErrExportNotFound = errors.New("export: not found")
	// ErrExportActive signals a queued or in-progress export already exists
	// for the company.
	ErrExportActive = errors.New("export: active export already exists for company")
)

// Repository executes all export SQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	id, company_id, status::text, format, purpose, categories, range_from, range_to,
	requested_by, requested_at, started_at, completed_at,
	phase, completed_tables, total_tables, records_processed, total_records, progress_pct,
	storage_key, download_url, download_expires, file_size, checksum, error_message, metadata,
	created_at, updated_at
`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		categories []string
		metaBody   []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.CompanyID,
		&rec.Status,
		&rec.Format,
		&rec.Purpose,
		&categories,
		&rec.RangeFrom,
		&rec.RangeTo,
		&rec.RequestedBy,
		&rec.RequestedAt,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.Progress.Phase,
		&rec.Progress.CompletedTables,
		&rec.Progress.TotalTables,
		&rec.Progress.RecordsProcessed,
		&rec.Progress.TotalRecords,
		&rec.Progress.Percentage,
		&rec.StorageKey,
		&rec.DownloadURL,
		&rec.DownloadExpires,
		&rec.FileSize,
		&rec.Checksum,
		&rec.ErrorMessage,
		&metaBody,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Categories = make([]Category, 0, len(categories))
	for _, c := range categories {
		rec.Categories = append(rec.Categories, Category(c))
	}
	if len(metaBody) > 0 {
		if err := json.Unmarshal(metaBody, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("export: decode metadata: %w", err)
		}
	}
	return rec, nil
}

// CreateParams enumerates the fields for a new export record.
type CreateParams struct {
	CompanyID   string
	Format      Format
	Purpose     Purpose
	Categories  []Category
	RangeFrom   *time.Time
	RangeTo     *time.Time
	RequestedBy string
}

// Create inserts the export record inside the caller's transaction. The
// guard query must run immediately before this in the same transaction; the
// partial unique index backstops the race.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	cats := make([]string, 0, len(params.Categories))
	for _, c := range params.Categories {
		cats = append(cats, string(c))
	}

	const query = `
		INSERT INTO export_records (company_id, format, purpose, categories, range_from, range_to, requested_by, total_tables)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.CompanyID, params.Format, params.Purpose, cats,
		params.RangeFrom, params.RangeTo, params.RequestedBy, len(params.Categories)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrExportActive
		}
		return Record{}, fmt.Errorf("export: create record: %w", err)
	}
	return rec, nil
}

// HasActiveForCompany reports whether a queued or in-progress export exists,
// locking matching rows against a concurrent duplicate initiation.
func (r *Repository) HasActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM export_records
			WHERE company_id = $1 AND status IN ('queued', 'in_progress')
			FOR UPDATE
		)
	`, companyID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("export: query active exports: %w", err)
	}
	return exists, nil
}

// GetByID fetches one export record.
func (r *Repository) GetByID(ctx context.Context, exportID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM export_records WHERE id = $1`, exportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrExportNotFound
		}
		return Record{}, fmt.Errorf("export: query by id: %w", err)
	}
	return rec, nil
}

// MarkStarted flips the record to in_progress at the preparation phase.
func (r *Repository) MarkStarted(ctx context.Context, exportID string, totalRecords int64, meta Metadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("export: marshal metadata: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET status = 'in_progress',
		    started_at = get_tx_timestamp(),
		    phase = $2,
		    total_records = $3,
		    metadata = $4::jsonb,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID, PhasePreparation, totalRecords, body); err != nil {
		return fmt.Errorf("export: mark started: %w", err)
	}
	return nil
}

// SetPhase records entry into a pipeline phase.
func (r *Repository) SetPhase(ctx context.Context, exportID string, phase Phase) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records SET phase = $2, updated_at = get_tx_timestamp() WHERE id = $1
	`, exportID, phase); err != nil {
		return fmt.Errorf("export: set phase %s: %w", phase, err)
	}
	return nil
}

// AdvanceProgress adds one completed table and the records it contributed.
// Percentage is recomputed server-side and can only grow: GREATEST keeps
// progress monotonic even if updates race.
func (r *Repository) AdvanceProgress(ctx context.Context, exportID string, records int64) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET completed_tables = completed_tables + 1,
		    records_processed = records_processed + $2,
		    progress_pct = GREATEST(progress_pct, CASE
		        WHEN total_records > 0
		        THEN LEAST(100, ((records_processed + $2) * 100 + total_records / 2) / total_records)
		        ELSE 0
		    END),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID, records); err != nil {
		return fmt.Errorf("export: advance progress: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a successful run.
func (r *Repository) MarkCompleted(ctx context.Context, exportID, storageKey, checksum string, fileSize int64, meta Metadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("export: marshal metadata: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET status = 'completed',
		    completed_at = get_tx_timestamp(),
		    phase = $2,
		    progress_pct = 100,
		    storage_key = $3,
		    checksum = $4,
		    file_size = $5,
		    metadata = $6::jsonb,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID, PhaseCleanup, storageKey, checksum, fileSize, body); err != nil {
		return fmt.Errorf("export: mark completed: %w", err)
	}
	return nil
}

// MarkFailed halts the job with its error message. Failures are never
// retried automatically.
func (r *Repository) MarkFailed(ctx context.Context, exportID string, phase Phase, cause error) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET status = 'failed',
		    phase = $2,
		    error_message = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID, phase, cause.Error()); err != nil {
		return fmt.Errorf("export: mark failed: %w", err)
	}
	return nil
}

// SetDownloadLink persists the lazily generated URL and its expiry.
func (r *Repository) SetDownloadLink(ctx context.Context, exportID, url string, expires time.Time) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET download_url = $2, download_expires = $3, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID, url, expires); err != nil {
		return fmt.Errorf("export: set download link: %w", err)
	}
	return nil
}

// CountCategory returns the record count for one category's denominators.
func (r *Repository) CountCategory(ctx context.Context, companyID string, cat Category, from, to *time.Time) (int64, error) {
	query, ok := countQueries[cat]
	if !ok {
		return 0, fmt.Errorf("export: unknown category %q", cat)
	}
	var count int64
	if err := r.pool.QueryRow(ctx, query, companyID, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("export: count %s: %w", cat, err)
	}
	return count, nil
}

var countQueries = map[Category]string{
	CategoryUsers: `
		SELECT count(*) FROM users
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)`,
	CategoryAssessments: `
		SELECT count(*) FROM assessment_attempts
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at <= $3)`,
	CategoryCandidates: `
		SELECT count(DISTINCT candidate_id) FROM assessment_attempts
		WHERE company_id = $1 AND candidate_id IS NOT NULL
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at <= $3)`,
	CategorySystemLogs: `
		SELECT count(*) FROM system_logs
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)`,
}

// ExtractCategory pulls the sanitized rows for one category.
func (r *Repository) ExtractCategory(ctx context.Context, companyID string, cat Category, from, to *time.Time) ([]map[string]any, error) {
	query, ok := extractQueries[cat]
	if !ok {
		return nil, fmt.Errorf("export: unknown category %q", cat)
	}

	rows, err := r.pool.Query(ctx, query, companyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("export: extract %s: %w", cat, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0, 64)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("export: read %s row: %w", cat, err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: iterate %s rows: %w", cat, err)
	}

	sanitizeRows(out)
	return out, nil
}

var extractQueries = map[Category]string{
	CategoryUsers: `
		SELECT id, email, full_name, national_id, role::text, status::text, created_at
		FROM users
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at ASC`,
	CategoryAssessments: `
		SELECT id, candidate_id, title, status, answers, started_at, finished_at
		FROM assessment_attempts
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at <= $3)
		ORDER BY started_at ASC`,
	CategoryCandidates: `
		SELECT candidate_id AS id, min(started_at) AS first_seen, count(*) AS attempts
		FROM assessment_attempts
		WHERE company_id = $1 AND candidate_id IS NOT NULL
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at <= $3)
		GROUP BY candidate_id
		ORDER BY candidate_id`,
	CategorySystemLogs: `
		SELECT id, actor_id, event, payload, created_at
		FROM system_logs
		WHERE company_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at ASC`,
}

// DueForDeletion lists completed exports past their auto-delete deadline.
func (r *Repository) DueForDeletion(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM export_records
		WHERE status = 'completed'
		  AND storage_key <> ''
		  AND (metadata->>'autoDeleteAt')::timestamptz <= get_tx_timestamp()
		ORDER BY completed_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("export: query due deletions: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("export: scan due record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: iterate due records: %w", err)
	}
	return out, nil
}

// ClearArtifact records that the stored artifact was deleted by retention.
func (r *Repository) ClearArtifact(ctx context.Context, exportID string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE export_records
		SET storage_key = '', download_url = NULL, download_expires = NULL, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, exportID); err != nil {
		return fmt.Errorf("export: clear artifact: %w", err)
	}
	return nil
}
