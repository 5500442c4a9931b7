// Package suspension flips a company between active and suspended, optionally
// restricting user sign-in and billing, with full audit and notification.
package suspension

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/company"
	"companyflow/identity"
	"companyflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error)
	ActiveForCompany(ctx context.Context, tx pgx.Tx, companyID string) (Record, error)
	SuspendCompany(ctx context.Context, tx pgx.Tx, companyID, recordID, actorID string) (company.Status, error)
	RestoreCompany(ctx context.Context, tx pgx.Tx, companyID string) (company.Status, error)
	DeactivateActiveUsers(ctx context.Context, tx pgx.Tx, companyID, recordID string) ([]string, error)
	ReactivateUsers(ctx context.Context, tx pgx.Tx, userIDs []string) (int, error)
	SetBillingStatus(ctx context.Context, tx pgx.Tx, companyID, status string) error
	MarkReactivated(ctx context.Context, tx pgx.Tx, recordID, actorID string) (Record, error)
	AppendAudit(ctx context.Context, tx pgx.Tx, params audit.AppendParams) error
	LatestForCompany(ctx context.Context, companyID string) (Record, error)
	DueForAutoReactivation(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error)
}

// CompanyReader provides company and member lookups.
type CompanyReader interface {
	GetByID(ctx context.Context, id string) (company.Company, error)
	ListMembers(ctx context.Context, companyID string) ([]company.Member, error)
}

// Notifier dispatches lifecycle notifications.
type Notifier interface {
	Send(ctx context.Context, params notify.SendParams) ([]notify.Delivery, error)
}

// Service orchestrates suspension episodes.
type Service struct {
	pool      TxBeginner
	repo      Store
	companies CompanyReader
	idp       identity.Provider
	notifier  Notifier
	log       *logrus.Logger
}

// NewService wires the suspension controller.
func NewService(pool TxBeginner, repo Store, companies CompanyReader, idp identity.Provider, notifier Notifier, log *logrus.Logger) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		companies: companies,
		idp:       idp,
		notifier:  notifier,
		log:       log,
	}
}

// Suspend creates a suspension episode. Rejects if a live suspension already
// exists; performs the status flip, optional bulk user deactivation, and
// optional billing suspension in one transaction with a single summarizing
// audit entry.
func (s *Service) Suspend(ctx context.Context, companyID string, req SuspendRequest, actorID string) (Record, error) {
	if companyID == "" {
		return Record{}, fmt.Errorf("suspension: missing company id")
	}
	if req.Reason == "" {
		return Record{}, fmt.Errorf("suspension: reason is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("suspension: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	billing := "active"
	if req.SuspendBilling {
		billing = "suspended"
	}

	rec, err := s.repo.Create(ctx, tx, CreateParams{
		CompanyID:          companyID,
		Reason:             req.Reason,
		SuspendedBy:        actorID,
		SuspendUntil:       req.SuspendUntil,
		RestrictedFeatures: req.RestrictedFeatures,
		BillingStatus:      billing,
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.repo.SuspendCompany(ctx, tx, companyID, rec.ID, actorID); err != nil {
		return Record{}, err
	}

	var deactivated []string
	if req.RestrictAccess {
		deactivated, err = s.repo.DeactivateActiveUsers(ctx, tx, companyID, rec.ID)
		if err != nil {
			return Record{}, err
		}
		rec.DeactivatedUserIDs = deactivated
	}

	if req.SuspendBilling {
		if err := s.repo.SetBillingStatus(ctx, tx, companyID, "suspended"); err != nil {
			return Record{}, err
		}
	}

	// One entry summarizing the bulk action keeps the trail proportionate.
	if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentSuspension,
		ParentID:    rec.ID,
		Action:      "company_suspended",
		PerformedBy: actorID,
		Details: map[string]any{
			"reason":              req.Reason,
			"restrict_access":     req.RestrictAccess,
			"suspend_billing":     req.SuspendBilling,
			"restricted_features": req.RestrictedFeatures,
			"users_deactivated":   len(deactivated),
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("suspension: commit tx: %w", err)
	}

	s.syncIdentityDisable(ctx, rec.ID, deactivated)

	if req.NotifyMembers {
		s.notifyMembers(ctx, rec, notify.TypeSuspensionNotice, req.Reason)
	}

	return rec, nil
}

// Reactivate closes the live suspension episode, restoring company status and
// exactly the users the episode deactivated.
func (s *Service) Reactivate(ctx context.Context, companyID, actorID string) (Record, error) {
	if companyID == "" {
		return Record{}, fmt.Errorf("suspension: missing company id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("suspension: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.ActiveForCompany(ctx, tx, companyID)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.repo.RestoreCompany(ctx, tx, companyID); err != nil {
		return Record{}, err
	}

	restored, err := s.repo.ReactivateUsers(ctx, tx, rec.DeactivatedUserIDs)
	if err != nil {
		return Record{}, err
	}

	if rec.BillingStatus == "suspended" {
		if err := s.repo.SetBillingStatus(ctx, tx, companyID, "active"); err != nil {
			return Record{}, err
		}
	}

	rec, err = s.repo.MarkReactivated(ctx, tx, rec.ID, actorID)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentSuspension,
		ParentID:    rec.ID,
		Action:      "company_reactivated",
		PerformedBy: actorID,
		Details: map[string]any{
			"users_restored": restored,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("suspension: commit tx: %w", err)
	}

	s.syncIdentityEnable(ctx, rec.ID, rec.DeactivatedUserIDs)

	s.notifyMembers(ctx, rec, notify.TypeReactivationNotice, "")

	return rec, nil
}

// AutoReactivateDue reactivates suspensions whose suspend_until has passed.
// Returns the number of companies reactivated.
func (s *Service) AutoReactivateDue(ctx context.Context, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("suspension: begin tx: %w", err)
	}
	due, err := s.repo.DueForAutoReactivation(ctx, tx, limit)
	// Release the scan locks before reactivating company by company, each in
	// its own transaction.
	_ = tx.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	reactivated := 0
	for _, rec := range due {
		if _, err := s.Reactivate(ctx, rec.CompanyID, "system"); err != nil {
			s.log.WithFields(logrus.Fields{"suspension_id": rec.ID, "company_id": rec.CompanyID}).
				WithError(err).Warn("auto reactivation failed")
			continue
		}
		reactivated++
	}
	return reactivated, nil
}

// Status returns the most recent suspension record for a company.
func (s *Service) Status(ctx context.Context, companyID string) (Record, error) {
	return s.repo.LatestForCompany(ctx, companyID)
}

// syncIdentityDisable propagates the bulk deactivation to the identity
// provider after commit. Best effort: failures are logged so an operator can
// re-run the sync, not rolled back.
func (s *Service) syncIdentityDisable(ctx context.Context, recordID string, userIDs []string) {
	for _, id := range userIDs {
		if err := s.idp.DisableUser(ctx, id); err != nil {
			s.log.WithFields(logrus.Fields{"suspension_id": recordID, "user_id": id}).
				WithError(err).Warn("identity disable failed")
			continue
		}
		if err := s.idp.RevokeSessions(ctx, id); err != nil {
			s.log.WithFields(logrus.Fields{"suspension_id": recordID, "user_id": id}).
				WithError(err).Warn("session revocation failed")
		}
	}
}

func (s *Service) syncIdentityEnable(ctx context.Context, recordID string, userIDs []string) {
	for _, id := range userIDs {
		if err := s.idp.EnableUser(ctx, id); err != nil {
			s.log.WithFields(logrus.Fields{"suspension_id": recordID, "user_id": id}).
				WithError(err).Warn("identity enable failed")
		}
	}
}

func (s *Service) notifyMembers(ctx context.Context, rec Record, t notify.Type, reason string) {
	comp, err := s.companies.GetByID(ctx, rec.CompanyID)
	if err != nil {
		s.log.WithField("company_id", rec.CompanyID).WithError(err).Warn("notify: load company failed")
		return
	}
	members, err := s.companies.ListMembers(ctx, rec.CompanyID)
	if err != nil {
		s.log.WithField("company_id", rec.CompanyID).WithError(err).Warn("notify: list members failed")
		return
	}

	recipients := make([]notify.Recipient, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, notify.Recipient{Email: m.Email, Name: m.FullName})
	}

	if _, err := s.notifier.Send(ctx, notify.SendParams{
		ParentKind: string(audit.ParentSuspension),
		ParentID:   rec.ID,
		Type:       t,
		Recipients: recipients,
		Data: notify.TemplateData{
			CompanyName: comp.Name,
			Reason:      reason,
		},
	}); err != nil {
		s.log.WithField("suspension_id", rec.ID).WithError(err).Warn("notify: dispatch failed")
	}
}
