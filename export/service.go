// Package export extracts a company's data across categories, packages it,
// encrypts it, uploads it to object storage, and computes an integrity
// checksum, reporting phase-level progress.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"companyflow/audit"
	"companyflow/company"
	"companyflow/storage"
)

var (
	// ErrNoCategories signals a request that selected nothing to export.
	ErrNoCategories = errors.New("export: no data categories selected")
	// ErrFormatUnsupported signals packaging for the requested format is not
	// implemented; the job fails explicitly instead of producing an empty
	// artifact.
	ErrFormatUnsupported = errors.New("export: packaging format not implemented")
	// ErrAccessDenied is returned for download-link requests by unentitled
	// requesters. Deliberately unspecific.
	ErrAccessDenied = errors.New("export: access denied")
	// ErrNotReady signals a download-link request for an incomplete export.
	ErrNotReady = errors.New("export: not completed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	HasActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (bool, error)
	GetByID(ctx context.Context, exportID string) (Record, error)
	MarkStarted(ctx context.Context, exportID string, totalRecords int64, meta Metadata) error
	SetPhase(ctx context.Context, exportID string, phase Phase) error
	AdvanceProgress(ctx context.Context, exportID string, records int64) error
	MarkCompleted(ctx context.Context, exportID, storageKey, checksum string, fileSize int64, meta Metadata) error
	MarkFailed(ctx context.Context, exportID string, phase Phase, cause error) error
	SetDownloadLink(ctx context.Context, exportID, url string, expires time.Time) error
	CountCategory(ctx context.Context, companyID string, cat Category, from, to *time.Time) (int64, error)
	ExtractCategory(ctx context.Context, companyID string, cat Category, from, to *time.Time) ([]map[string]any, error)
	DueForDeletion(ctx context.Context, limit int) ([]Record, error)
	ClearArtifact(ctx context.Context, exportID string) error
}

// MemberReader resolves requesting users for download authorization.
type MemberReader interface {
	GetMember(ctx context.Context, userID string) (company.Member, error)
}

// URLSigner issues expiring download URLs for storage keys.
type URLSigner interface {
	SignedURL(key string, ttl time.Duration) (string, time.Time, error)
}

// AuditAppender records export lifecycle events outside a transaction.
type AuditAppender interface {
	Append(ctx context.Context, params audit.AppendParams) error
}

// Options tunes the pipeline.
type Options struct {
	DownloadTTL time.Duration
	Retention   time.Duration
	// PhaseTimeout bounds each pipeline phase.
	PhaseTimeout time.Duration
}

// Service is the export pipeline.
type Service struct {
	pool     TxBeginner
	repo     Store
	members  MemberReader
	objects  storage.Store
	signer   URLSigner
	enc      *Encryptor
	recorder AuditAppender
	log      *logrus.Logger
	opts     Options
	now      func() time.Time
}

// NewService wires the pipeline.
func NewService(pool TxBeginner, repo Store, members MemberReader, objects storage.Store, signer URLSigner, enc *Encryptor, recorder AuditAppender, log *logrus.Logger, opts Options) *Service {
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = 7 * 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 2 * time.Minute
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		members:  members,
		objects:  objects,
		signer:   signer,
		enc:      enc,
		recorder: recorder,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

// Initiate creates the export record under the duplicate-active guard and
// starts the pipeline on a supervised goroutine. The returned record is in
// status queued.
func (s *Service) Initiate(ctx context.Context, req Request) (Record, error) {
	rec, err := s.create(ctx, req)
	if err != nil {
		return Record{}, err
	}

	// Supervised continuation: the goroutine owns a fresh context and every
	// failure lands on the record and in the log, never swallowed.
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), time.Duration(len(phaseOrder))*s.opts.PhaseTimeout)
		defer cancel()
		if err := s.Run(runCtx, rec); err != nil {
			s.log.WithFields(logrus.Fields{
				"export_id":  rec.ID,
				"company_id": rec.CompanyID,
			}).WithError(err).Error("export pipeline failed")
		}
	}()

	return rec, nil
}

// RunSync creates the record and runs the pipeline to completion. Used by
// the closure workflow, whose data-export step gates the steps after it.
func (s *Service) RunSync(ctx context.Context, req Request) (Record, error) {
	rec, err := s.create(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if err := s.Run(ctx, rec); err != nil {
		return rec, err
	}
	return s.repo.GetByID(ctx, rec.ID)
}

func (s *Service) create(ctx context.Context, req Request) (Record, error) {
	if req.CompanyID == "" {
		return Record{}, fmt.Errorf("export: missing company id")
	}
	cats := req.SelectedCategories()
	if len(cats) == 0 {
		return Record{}, ErrNoCategories
	}
	format := req.Format
	if format == "" {
		format = FormatJSON
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = PurposeManual
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("export: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guard runs immediately before the insert, in the same transaction.
	active, err := s.repo.HasActiveForCompany(ctx, tx, req.CompanyID)
	if err != nil {
		return Record{}, err
	}
	if active {
		return Record{}, ErrExportActive
	}

	rec, err := s.repo.Create(ctx, tx, CreateParams{
		CompanyID:   req.CompanyID,
		Format:      format,
		Purpose:     purpose,
		Categories:  cats,
		RangeFrom:   req.RangeFrom,
		RangeTo:     req.RangeTo,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("export: commit tx: %w", err)
	}

	if err := s.recorder.Append(ctx, audit.AppendParams{
		ParentKind:  audit.ParentExport,
		ParentID:    rec.ID,
		Action:      "export_requested",
		PerformedBy: req.RequestedBy,
		Details: map[string]any{
			"format":     string(format),
			"purpose":    string(purpose),
			"categories": cats,
		},
	}); err != nil {
		s.log.WithField("export_id", rec.ID).WithError(err).Warn("audit append failed")
	}

	return rec, nil
}

// GetStatus returns the current record; partial progress stays visible after
// failure.
func (s *Service) GetStatus(ctx context.Context, exportID string) (Record, error) {
	return s.repo.GetByID(ctx, exportID)
}

// Requester identifies the user asking for a download link.
type Requester struct {
	UserID             string
	GlobalExportAccess bool
}

// GetDownloadLink authorizes the requester and returns a signed URL. The URL
// is generated lazily on first request after completion and reissued after
// expiry; the expiry returned is always strictly in the future.
func (s *Service) GetDownloadLink(ctx context.Context, exportID string, req Requester) (string, time.Time, error) {
	rec, err := s.repo.GetByID(ctx, exportID)
	if err != nil {
		return "", time.Time{}, err
	}

	if !s.authorized(ctx, rec, req) {
		return "", time.Time{}, ErrAccessDenied
	}

	if rec.Status != StatusCompleted || rec.StorageKey == "" {
		return "", time.Time{}, ErrNotReady
	}

	if rec.DownloadURL != nil && rec.DownloadExpires != nil && rec.DownloadExpires.After(s.now()) {
		return *rec.DownloadURL, *rec.DownloadExpires, nil
	}

	url, expires, err := s.signer.SignedURL(rec.StorageKey, s.opts.DownloadTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("export: sign download url: %w", err)
	}
	if err := s.repo.SetDownloadLink(ctx, rec.ID, url, expires); err != nil {
		return "", time.Time{}, err
	}
	return url, expires, nil
}

func (s *Service) authorized(ctx context.Context, rec Record, req Requester) bool {
	if req.GlobalExportAccess {
		return true
	}
	if req.UserID == "" {
		return false
	}
	member, err := s.members.GetMember(ctx, req.UserID)
	if err != nil {
		// Fail closed on lookup errors as well as unknown users.
		return false
	}
	if member.CompanyID != rec.CompanyID {
		return false
	}
	return member.IsAdmin() || member.Status == company.UserActive
}

// SweepExpired deletes artifacts past their auto-delete deadline. Returns
// the number of artifacts removed.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.DueForDeletion(ctx, limit)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range due {
		if err := s.objects.Delete(ctx, rec.StorageKey); err != nil {
			s.log.WithField("export_id", rec.ID).WithError(err).Warn("artifact delete failed")
			continue
		}
		if err := s.repo.ClearArtifact(ctx, rec.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// countAll gathers denominators concurrently; category counts are
// independent reads.
func (s *Service) countAll(ctx context.Context, rec Record) (map[string]int64, int64, error) {
	counts := make([]int64, len(rec.Categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range rec.Categories {
		g.Go(func() error {
			n, err := s.repo.CountCategory(gctx, rec.CompanyID, cat, rec.RangeFrom, rec.RangeTo)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	byName := make(map[string]int64, len(rec.Categories))
	var total int64
	for i, cat := range rec.Categories {
		byName[string(cat)] = counts[i]
		total += counts[i]
	}
	return byName, total, nil
}
