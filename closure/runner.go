package closure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/company"
	"companyflow/export"
	"companyflow/identity"
	"companyflow/notify"
)

// RunnerStore is the data access the runner needs beyond the service Store.
type RunnerStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ClaimScheduled(ctx context.Context, limit int) ([]Record, error)
	GetByID(ctx context.Context, closureID string) (Record, error)
	SetStatus(ctx context.Context, tx pgx.Tx, closureID string, next Status) (Record, error)
	CompleteStep(ctx context.Context, closureID string, step Step) error
	FailStep(ctx context.Context, closureID string, step Step, cause error) error
	SetExportID(ctx context.Context, closureID, exportID string) error
	ListGracePeriod(ctx context.Context, limit int) ([]Record, error)
	MarkReminded(ctx context.Context, closureID string, milestone int) error
	TransitionCompany(ctx context.Context, tx pgx.Tx, companyID string, next company.Status, closureID, actorID string) (company.Status, error)
	PurgeCompanyData(ctx context.Context, tx pgx.Tx, companyID string) error
	IssueCertificate(ctx context.Context, tx pgx.Tx, cert Certificate) (Certificate, error)
	AppendAudit(ctx context.Context, tx pgx.Tx, params audit.AppendParams) error
	CloseOpenAssessments(ctx context.Context, companyID string) (int, error)
	DeactivateUsers(ctx context.Context, companyID string) ([]string, error)
	ResolveBilling(ctx context.Context, companyID string) (int, error)
	DeactivateIntegrations(ctx context.Context, companyID string) (int, error)
	DeleteSessions(ctx context.Context, companyID string) (int, error)
}

// Exporter runs a closure-purpose export to completion.
type Exporter interface {
	RunSync(ctx context.Context, req export.Request) (export.Record, error)
}

// AuditAppender records runner events outside a transaction.
type AuditAppender interface {
	Append(ctx context.Context, params audit.AppendParams) error
}

// Reactivator lifts suspensions whose suspend_until has passed.
type Reactivator interface {
	AutoReactivateDue(ctx context.Context, limit int) (int, error)
}

// Sweeper deletes export artifacts past their retention deadline.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// RunnerOptions tunes the background loop.
type RunnerOptions struct {
	PollInterval time.Duration
	// StepTimeout bounds each closure step.
	StepTimeout     time.Duration
	ClaimLimit      int
	RetentionMonths int
	PrivacyContact  string
}

// reminderMilestones are the days-remaining marks at which a grace-period
// reminder goes out, checked tightest first so a late start skips stale
// milestones instead of sending them in a burst.
var reminderMilestones = []int{1, 3, 7}

// Runner polls for scheduled closures, executes their steps, tends grace
// periods, and finalizes closures whose grace period has elapsed.
type Runner struct {
	repo      RunnerStore
	companies CompanyReader
	validator Validator
	exporter  Exporter
	notifier  Notifier
	recorder  AuditAppender
	idp       identity.Provider
	log       *logrus.Logger
	opts      RunnerOptions
	now       func() time.Time

	reactivator Reactivator
	sweeper     Sweeper
}

// NewRunner wires the closure execution loop.
func NewRunner(repo RunnerStore, companies CompanyReader, validator Validator, exporter Exporter, notifier Notifier, recorder AuditAppender, idp identity.Provider, log *logrus.Logger, opts RunnerOptions) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 5
	}
	if opts.RetentionMonths <= 0 {
		opts.RetentionMonths = 12
	}
	if opts.PrivacyContact == "" {
		opts.PrivacyContact = "privacy@companyflow.example"
	}
	return &Runner{
		repo:      repo,
		companies: companies,
		validator: validator,
		exporter:  exporter,
		notifier:  notifier,
		recorder:  recorder,
		idp:       idp,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, polling on the configured interval.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one pass: claim and execute scheduled closures, then tend
// grace periods. Exposed so tests and operators can drive the loop directly.
func (r *Runner) Tick(ctx context.Context) {
	claimed, err := r.repo.ClaimScheduled(ctx, r.opts.ClaimLimit)
	if err != nil {
		r.log.WithError(err).Error("closure runner: claim scheduled failed")
	}
	for _, rec := range claimed {
		if err := r.executeSteps(ctx, rec); err != nil {
			r.log.WithFields(logrus.Fields{"closure_id": rec.ID, "company_id": rec.CompanyID}).
				WithError(err).Error("closure runner: step execution halted")
		}
	}

	if err := r.tendGracePeriods(ctx); err != nil {
		r.log.WithError(err).Error("closure runner: grace period pass failed")
	}

	if r.reactivator != nil {
		if n, err := r.reactivator.AutoReactivateDue(ctx, r.opts.ClaimLimit); err != nil {
			r.log.WithError(err).Error("closure runner: auto reactivation pass failed")
		} else if n > 0 {
			r.log.WithField("count", n).Info("suspensions auto-reactivated")
		}
	}
	if r.sweeper != nil {
		if n, err := r.sweeper.SweepExpired(ctx, r.opts.ClaimLimit); err != nil {
			r.log.WithError(err).Error("closure runner: export sweep failed")
		} else if n > 0 {
			r.log.WithField("count", n).Info("expired exports swept")
		}
	}
}

// SetMaintenance attaches the suspension auto-reactivation and export
// retention sweeps to the poll loop.
func (r *Runner) SetMaintenance(reactivator Reactivator, sweeper Sweeper) {
	r.reactivator = reactivator
	r.sweeper = sweeper
}

// tendGracePeriods sends due reminders and finalizes closures whose grace
// period has elapsed.
func (r *Runner) tendGracePeriods(ctx context.Context) error {
	records, err := r.repo.ListGracePeriod(ctx, r.opts.ClaimLimit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !r.now().Before(rec.GracePeriodEnds) {
			if err := r.finalize(ctx, rec); err != nil {
				r.log.WithField("closure_id", rec.ID).WithError(err).Error("closure runner: finalize failed")
			}
			continue
		}
		r.remind(ctx, rec)
	}
	return nil
}

// remind sends at most one reminder per pass: the tightest milestone the
// remaining time has crossed, if it has not been sent.
func (r *Runner) remind(ctx context.Context, rec Record) {
	remaining := rec.GracePeriodEnds.Sub(r.now())
	daysLeft := int(remaining.Hours() / 24)

	milestone := 0
	for _, m := range reminderMilestones {
		if daysLeft <= m {
			milestone = m
			break
		}
	}
	if milestone == 0 {
		return
	}
	for _, sent := range rec.RemindersSent {
		if sent == milestone {
			return
		}
	}

	admins, err := r.adminRecipients(ctx, rec.CompanyID)
	if err != nil {
		r.log.WithField("closure_id", rec.ID).WithError(err).Warn("closure runner: load admins failed")
		return
	}
	if _, err := r.notifier.Send(ctx, notify.SendParams{
		ParentKind: string(audit.ParentClosure),
		ParentID:   rec.ID,
		Type:       notify.TypeGracePeriodEnding,
		Recipients: admins,
		Data: notify.TemplateData{
			CompanyName:    rec.Metadata.CompanyName,
			DaysRemaining:  daysLeft,
			GraceEndsAt:    rec.GracePeriodEnds.Format("2 January 2006"),
			ActionRequired: true,
		},
	}); err != nil {
		r.log.WithField("closure_id", rec.ID).WithError(err).Warn("closure runner: reminder dispatch failed")
		return
	}
	if err := r.repo.MarkReminded(ctx, rec.ID, milestone); err != nil {
		r.log.WithField("closure_id", rec.ID).WithError(err).Error("closure runner: mark reminded failed")
	}
}

// finalize completes the closure after the grace period: archive closures
// flip the company to archived with data kept in place; permanent closures
// purge operational data, flip the company to closed, and issue a retention
// certificate.
func (r *Runner) finalize(ctx context.Context, rec Record) error {
	// Collect notification targets before a permanent purge removes them.
	admins, err := r.adminRecipients(ctx, rec.CompanyID)
	if err != nil {
		r.log.WithField("closure_id", rec.ID).WithError(err).Warn("closure runner: load admins failed")
	}

	tx, err := r.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("closure: begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var cert *Certificate
	switch rec.DeleteType {
	case DeletePermanent:
		if err := r.repo.PurgeCompanyData(ctx, tx, rec.CompanyID); err != nil {
			return err
		}
		if _, err := r.repo.TransitionCompany(ctx, tx, rec.CompanyID, company.StatusClosed, rec.ID, "system"); err != nil {
			return err
		}
		// The certificate attests to retained export data, so it is only
		// issued when the closure export completed and left an artifact.
		if rec.ExportID != nil {
			issued, err := r.repo.IssueCertificate(ctx, tx, Certificate{
				CompanyID:       rec.CompanyID,
				CompanyName:     rec.Metadata.CompanyName,
				DataTypes:       []string{"users", "assessments", "candidates", "system_logs"},
				RetentionMonths: r.opts.RetentionMonths,
				DestructionDate: r.now().UTC(),
				IssuedBy:        "system",
				LegalBasis:      "data processing agreement termination",
				ContactEmail:    r.opts.PrivacyContact,
			})
			if err != nil {
				return err
			}
			cert = &issued
		}
	case DeleteArchive:
		if _, err := r.repo.TransitionCompany(ctx, tx, rec.CompanyID, company.StatusArchived, rec.ID, "system"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDeleteType, rec.DeleteType)
	}

	if _, err := r.repo.SetStatus(ctx, tx, rec.ID, StatusCompleted); err != nil {
		return err
	}

	details := map[string]any{"delete_type": rec.DeleteType}
	if cert != nil {
		details["certificate_id"] = cert.ID
	}
	if err := r.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      "closure_completed",
		PerformedBy: "system",
		Details:     details,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("closure: commit finalize tx: %w", err)
	}

	if rec.NotifyUsers && len(admins) > 0 {
		if _, err := r.notifier.Send(ctx, notify.SendParams{
			ParentKind: string(audit.ParentClosure),
			ParentID:   rec.ID,
			Type:       notify.TypeClosureCompleted,
			Recipients: admins,
			Data:       notify.TemplateData{CompanyName: rec.Metadata.CompanyName},
		}); err != nil {
			r.log.WithField("closure_id", rec.ID).WithError(err).Warn("closure runner: completion dispatch failed")
		}
	}
	return nil
}

func (r *Runner) adminRecipients(ctx context.Context, companyID string) ([]notify.Recipient, error) {
	members, err := r.companies.ListMembers(ctx, companyID)
	if err != nil {
		return nil, err
	}
	out := make([]notify.Recipient, 0, 4)
	for _, m := range members {
		if m.IsAdmin() {
			out = append(out, notify.Recipient{Email: m.Email, Name: m.FullName})
		}
	}
	return out, nil
}
