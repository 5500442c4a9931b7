// Package closure runs the company closure saga: synchronous validation,
// scheduled step execution, a grace period with reminders, and finalization
// that archives or permanently deletes company data.
package closure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/company"
	"companyflow/notify"
	"companyflow/validation"
)

var (
	// ErrConfirmationMismatch is returned when the confirmation text does not
	// match the required phrase exactly.
	ErrConfirmationMismatch = errors.New("closure: confirmation phrase mismatch")
	// ErrInvalidReason is returned for a reason code outside the enumeration.
	ErrInvalidReason = errors.New("closure: invalid reason code")
	// ErrInvalidDeleteType is returned for an unknown delete type.
	ErrInvalidDeleteType = errors.New("closure: invalid delete type")
	// ErrGracePeriodRange is returned when the requested grace period falls
	// outside the permitted window.
	ErrGracePeriodRange = errors.New("closure: grace period out of range")
	// ErrRollbackUnavailable signals the point of no return has passed.
	ErrRollbackUnavailable = errors.New("closure: rollback no longer available")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	HasActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (bool, error)
	ActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error)
	FailedForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error)
	GetByID(ctx context.Context, closureID string) (Record, error)
	LatestForCompany(ctx context.Context, companyID string) (Record, error)
	SetStatus(ctx context.Context, tx pgx.Tx, closureID string, next Status) (Record, error)
	StoreValidation(ctx context.Context, tx pgx.Tx, closureID string, body []byte) error
	TransitionCompany(ctx context.Context, tx pgx.Tx, companyID string, next company.Status, closureID, actorID string) (company.Status, error)
	RestoreCompany(ctx context.Context, tx pgx.Tx, companyID string) (company.Status, error)
	AppendAudit(ctx context.Context, tx pgx.Tx, params audit.AppendParams) error
}

// CompanyReader provides company, member, and scale lookups.
type CompanyReader interface {
	GetByID(ctx context.Context, id string) (company.Company, error)
	ListMembers(ctx context.Context, companyID string) ([]company.Member, error)
	Snapshot(ctx context.Context, companyID string) (company.SizeSnapshot, error)
}

// Validator produces the closure verdict for a company.
type Validator interface {
	Validate(ctx context.Context, companyID string) validation.Result
}

// Notifier dispatches lifecycle notifications.
type Notifier interface {
	Send(ctx context.Context, params notify.SendParams) ([]notify.Delivery, error)
}

// TrailReader lists the audit entries recorded under a closure.
type TrailReader interface {
	List(ctx context.Context, kind audit.ParentKind, parentID string) ([]audit.Entry, error)
}

// Options tunes closure scheduling.
type Options struct {
	GracePeriodDefault time.Duration
	GracePeriodMax     time.Duration
}

// Service orchestrates closure initiation, cancellation, and rollback. Step
// execution happens in the Runner.
type Service struct {
	pool      TxBeginner
	repo      Store
	companies CompanyReader
	validator Validator
	notifier  Notifier
	trail     TrailReader
	log       *logrus.Logger
	opts      Options
	now       func() time.Time
}

// NewService wires the closure controller.
func NewService(pool TxBeginner, repo Store, companies CompanyReader, validator Validator, notifier Notifier, trail TrailReader, log *logrus.Logger, opts Options) *Service {
	if opts.GracePeriodDefault <= 0 {
		opts.GracePeriodDefault = 30 * 24 * time.Hour
	}
	if opts.GracePeriodMax <= 0 {
		opts.GracePeriodMax = 90 * 24 * time.Hour
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		companies: companies,
		validator: validator,
		notifier:  notifier,
		trail:     trail,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// Initiate starts a closure. The confirmation phrase and request fields are
// checked before any state is touched; the record, the company status flip,
// and the initiation audit entry commit atomically; validation then runs
// synchronously and either schedules the closure or fails it and restores
// the company.
func (s *Service) Initiate(ctx context.Context, companyID string, req Request, actorID string) (InitiationResult, error) {
	if req.Confirmation != ConfirmationPhrase {
		return InitiationResult{}, ErrConfirmationMismatch
	}
	if !validReason(req.Reason) {
		return InitiationResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, req.Reason)
	}
	if req.DeleteType != DeleteArchive && req.DeleteType != DeletePermanent {
		return InitiationResult{}, fmt.Errorf("%w: %q", ErrInvalidDeleteType, req.DeleteType)
	}

	grace := s.opts.GracePeriodDefault
	if req.GracePeriodDays > 0 {
		grace = time.Duration(req.GracePeriodDays) * 24 * time.Hour
	}
	if grace > s.opts.GracePeriodMax {
		return InitiationResult{}, fmt.Errorf("%w: %s exceeds maximum %s", ErrGracePeriodRange, grace, s.opts.GracePeriodMax)
	}

	comp, err := s.companies.GetByID(ctx, companyID)
	if err != nil {
		return InitiationResult{}, err
	}
	snapshot, err := s.companies.Snapshot(ctx, companyID)
	if err != nil {
		return InitiationResult{}, err
	}

	rec, err := s.create(ctx, comp, snapshot, req, grace, actorID)
	if err != nil {
		return InitiationResult{}, err
	}

	// Every check runs for every delete type; unpaid invoices block archive
	// closures the same as permanent ones.
	result := s.validator.Validate(ctx, companyID)

	rec, err = s.applyValidation(ctx, rec, result, actorID)
	if err != nil {
		return InitiationResult{}, err
	}

	if !result.CanClose {
		msgs := make([]string, 0, len(result.Blockers))
		for _, b := range result.Blockers {
			msgs = append(msgs, b.Message)
		}
		return InitiationResult{
			Success:    false,
			ClosureID:  rec.ID,
			Status:     rec.Status,
			Validation: &result,
			Errors:     msgs,
		}, nil
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, w.Message)
	}
	ends := rec.GracePeriodEnds
	return InitiationResult{
		Success:         true,
		ClosureID:       rec.ID,
		Status:          rec.Status,
		GracePeriodEnds: &ends,
		Validation:      &result,
		Warnings:        warnings,
		NextSteps: []string{
			"closure steps will execute automatically",
			fmt.Sprintf("the grace period ends on %s", ends.Format(time.RFC3339)),
			"an administrator can cancel the closure until finalization begins",
		},
	}, nil
}

func (s *Service) create(ctx context.Context, comp company.Company, snapshot company.SizeSnapshot, req Request, grace time.Duration, actorID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guard plus partial unique index: at most one active closure per company.
	active, err := s.repo.HasActiveForCompany(ctx, tx, comp.ID)
	if err != nil {
		return Record{}, err
	}
	if active {
		return Record{}, ErrClosureActive
	}

	rec, err := s.repo.Create(ctx, tx, CreateParams{
		CompanyID:       comp.ID,
		ReasonCode:      req.Reason,
		ReasonNote:      req.ReasonNote,
		DeleteType:      req.DeleteType,
		InitiatedBy:     actorID,
		GracePeriodEnds: s.now().Add(grace).UTC(),
		NotifyUsers:     req.NotifyUsers,
		ExportRequested: req.ExportData,
		Metadata: Metadata{
			CompanyName: comp.Name,
			Snapshot: map[string]int{
				"users":       snapshot.Users,
				"assessments": snapshot.Assessments,
				"invoices":    snapshot.Invoices,
			},
		},
	})
	if err != nil {
		return Record{}, err
	}

	prev, err := s.repo.TransitionCompany(ctx, tx, comp.ID, company.StatusPendingClosure, rec.ID, actorID)
	if err != nil {
		return Record{}, err
	}
	rec.Metadata.PrevStatus = string(prev)

	if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      "closure_initiated",
		PerformedBy: actorID,
		Details: map[string]any{
			"reason":      req.Reason,
			"delete_type": req.DeleteType,
			"grace_ends":  rec.GracePeriodEnds,
			"export_data": req.ExportData,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("closure: commit tx: %w", err)
	}
	return rec, nil
}

// applyValidation persists the verdict and advances the record: blockers fail
// the closure and restore the company to its previous status, a clean result
// schedules step execution.
func (s *Service) applyValidation(ctx context.Context, rec Record, result validation.Result, actorID string) (Record, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return Record{}, fmt.Errorf("closure: marshal validation: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.StoreValidation(ctx, tx, rec.ID, body); err != nil {
		return Record{}, err
	}

	if result.CanClose {
		rec, err = s.repo.SetStatus(ctx, tx, rec.ID, StatusScheduled)
		if err != nil {
			return Record{}, err
		}
		if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
			ParentKind:  audit.ParentClosure,
			ParentID:    rec.ID,
			Action:      "closure_scheduled",
			PerformedBy: actorID,
			Details:     map[string]any{"warnings": len(result.Warnings)},
		}); err != nil {
			return Record{}, err
		}
	} else {
		rec, err = s.repo.SetStatus(ctx, tx, rec.ID, StatusValidationFailed)
		if err != nil {
			return Record{}, err
		}
		// A failed validation leaves no pending-closure marker behind.
		if _, err := s.repo.RestoreCompany(ctx, tx, rec.CompanyID); err != nil {
			return Record{}, err
		}
		if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
			ParentKind:  audit.ParentClosure,
			ParentID:    rec.ID,
			Action:      "closure_validation_failed",
			PerformedBy: actorID,
			Details:     map[string]any{"blockers": len(result.Blockers)},
		}); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("closure: commit tx: %w", err)
	}
	return rec, nil
}

// Cancel aborts the active closure at the initiator's request, restoring the
// company to its pre-closure status. Allowed only while rollback is
// available.
func (s *Service) Cancel(ctx context.Context, companyID, reason, actorID string) (Record, error) {
	return s.revert(ctx, companyID, StatusCancelled, "closure_cancelled", reason, actorID)
}

// Rollback reverts the active closure after a partial failure, restoring the
// company to its pre-closure status.
func (s *Service) Rollback(ctx context.Context, companyID, reason, actorID string) (Record, error) {
	return s.revert(ctx, companyID, StatusRolledBack, "closure_rolled_back", reason, actorID)
}

func (s *Service) revert(ctx context.Context, companyID string, next Status, action, reason, actorID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("closure: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.ActiveForCompany(ctx, tx, companyID)
	if errors.Is(err, ErrClosureNotFound) && next == StatusRolledBack {
		// A failed closure is no longer active but can still be rolled back.
		rec, err = s.repo.FailedForCompany(ctx, tx, companyID)
	}
	if err != nil {
		return Record{}, err
	}
	if !rec.RollbackAvailable {
		return Record{}, ErrRollbackUnavailable
	}

	rec, err = s.repo.SetStatus(ctx, tx, rec.ID, next)
	if err != nil {
		return Record{}, err
	}
	restored, err := s.repo.RestoreCompany(ctx, tx, companyID)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      action,
		PerformedBy: actorID,
		Details: map[string]any{
			"reason":          reason,
			"restored_status": restored,
			"completed_steps": len(rec.Progress.CompletedSteps),
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("closure: commit tx: %w", err)
	}

	if rec.NotifyUsers && next == StatusCancelled {
		s.notifyCancelled(ctx, rec)
	}
	return rec, nil
}

// StatusView is a closure record joined with its audit trail.
type StatusView struct {
	Record
	AuditTrail []audit.Entry
}

// Status returns the most recent closure record for a company together with
// every audit entry recorded against it.
func (s *Service) Status(ctx context.Context, companyID string) (StatusView, error) {
	rec, err := s.repo.LatestForCompany(ctx, companyID)
	if err != nil {
		return StatusView{}, err
	}
	trail, err := s.trail.List(ctx, audit.ParentClosure, rec.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("closure: load audit trail: %w", err)
	}
	return StatusView{Record: rec, AuditTrail: trail}, nil
}

// Get returns a closure record by id.
func (s *Service) Get(ctx context.Context, closureID string) (Record, error) {
	return s.repo.GetByID(ctx, closureID)
}

func (s *Service) notifyCancelled(ctx context.Context, rec Record) {
	members, err := s.companies.ListMembers(ctx, rec.CompanyID)
	if err != nil {
		s.log.WithField("closure_id", rec.ID).WithError(err).Warn("notify: list members failed")
		return
	}
	recipients := make([]notify.Recipient, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, notify.Recipient{Email: m.Email, Name: m.FullName})
	}
	if _, err := s.notifier.Send(ctx, notify.SendParams{
		ParentKind: string(audit.ParentClosure),
		ParentID:   rec.ID,
		Type:       notify.TypeClosureCancelled,
		Recipients: recipients,
		Data:       notify.TemplateData{CompanyName: rec.Metadata.CompanyName},
	}); err != nil {
		s.log.WithField("closure_id", rec.ID).WithError(err).Warn("notify: dispatch failed")
	}
}
