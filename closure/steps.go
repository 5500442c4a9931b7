package closure

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/export"
	"companyflow/notify"
)

// criticalSteps halt execution on failure. The rest record the failure and
// let the workflow continue.
var criticalSteps = map[Step]bool{
	StepValidation:        true,
	StepDataExport:        true,
	StepDataArchival:      true,
	StepFinalCleanup:      true,
	StepAuditFinalization: true,
}

// executeSteps runs every closure step in order on a freshly claimed record.
// Already-completed steps are skipped so a re-claimed record resumes where it
// stopped. A critical failure moves the record to failed; when all steps pass
// the record enters its grace period.
func (r *Runner) executeSteps(ctx context.Context, rec Record) error {
	done := make(map[Step]bool, len(rec.Progress.CompletedSteps))
	for _, s := range rec.Progress.CompletedSteps {
		done[s] = true
	}

	for _, step := range stepOrder {
		if done[step] {
			continue
		}

		stepCtx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
		err := r.runStep(stepCtx, &rec, step)
		cancel()

		if err != nil {
			if ferr := r.repo.FailStep(ctx, rec.ID, step, err); ferr != nil {
				r.log.WithField("closure_id", rec.ID).WithError(ferr).Error("closure runner: record step failure failed")
			}
			if criticalSteps[step] {
				return r.abort(ctx, rec, step, err)
			}
			r.log.WithFields(logrus.Fields{"closure_id": rec.ID, "step": step}).
				WithError(err).Warn("closure runner: non-critical step failed")
			continue
		}

		if err := r.repo.CompleteStep(ctx, rec.ID, step); err != nil {
			return err
		}
		if err := r.recorder.Append(ctx, audit.AppendParams{
			ParentKind:  audit.ParentClosure,
			ParentID:    rec.ID,
			Action:      "step_completed",
			PerformedBy: "system",
			Details:     map[string]any{"step": step},
		}); err != nil {
			r.log.WithField("closure_id", rec.ID).WithError(err).Error("closure runner: step audit failed")
		}
	}

	return r.enterGracePeriod(ctx, rec)
}

func (r *Runner) runStep(ctx context.Context, rec *Record, step Step) error {
	switch step {
	case StepValidation:
		return r.stepValidation(ctx, *rec)
	case StepUserNotification:
		return r.stepUserNotification(ctx, *rec)
	case StepDataExport:
		return r.stepDataExport(ctx, rec)
	case StepAssessmentClosure:
		_, err := r.repo.CloseOpenAssessments(ctx, rec.CompanyID)
		return err
	case StepUserDeactivation:
		return r.stepUserDeactivation(ctx, *rec)
	case StepBillingResolution:
		_, err := r.repo.ResolveBilling(ctx, rec.CompanyID)
		return err
	case StepIntegrationCleanup:
		_, err := r.repo.DeactivateIntegrations(ctx, rec.CompanyID)
		return err
	case StepDataArchival:
		return r.stepDataArchival(*rec)
	case StepFinalCleanup:
		_, err := r.repo.DeleteSessions(ctx, rec.CompanyID)
		return err
	case StepAuditFinalization:
		return r.stepAuditFinalization(ctx, *rec)
	default:
		return fmt.Errorf("closure: unknown step %q", step)
	}
}

// stepValidation re-runs the closure checks so conditions that changed
// between initiation and execution still block the closure.
func (r *Runner) stepValidation(ctx context.Context, rec Record) error {
	result := r.validator.Validate(ctx, rec.CompanyID)
	if !result.CanClose {
		return fmt.Errorf("closure: validation found %d blockers", len(result.Blockers))
	}
	return nil
}

// stepUserNotification tells every member the closure is underway, with an
// action-required variant for admins and owners who can still cancel.
func (r *Runner) stepUserNotification(ctx context.Context, rec Record) error {
	if !rec.NotifyUsers {
		return nil
	}
	members, err := r.companies.ListMembers(ctx, rec.CompanyID)
	if err != nil {
		return err
	}

	recipients := make([]notify.Recipient, 0, len(members))
	adminEmails := make(map[string]bool, 4)
	for _, m := range members {
		recipients = append(recipients, notify.Recipient{Email: m.Email, Name: m.FullName})
		if m.IsAdmin() {
			adminEmails[m.Email] = true
		}
	}

	data := notify.TemplateData{
		CompanyName: rec.Metadata.CompanyName,
		Reason:      string(rec.ReasonCode),
		GraceEndsAt: rec.GracePeriodEnds.Format("2 January 2006"),
	}
	adminData := data
	adminData.ActionRequired = true

	_, err = r.notifier.Send(ctx, notify.SendParams{
		ParentKind:  string(audit.ParentClosure),
		ParentID:    rec.ID,
		Type:        notify.TypeClosureInitiated,
		Recipients:  recipients,
		Data:        data,
		AdminData:   &adminData,
		AdminEmails: adminEmails,
	})
	return err
}

// stepDataExport runs a closure-purpose export of every category to
// completion. The steps after it depend on the artifact, so this blocks.
func (r *Runner) stepDataExport(ctx context.Context, rec *Record) error {
	if !rec.ExportRequested {
		return nil
	}
	expRec, err := r.exporter.RunSync(ctx, export.Request{
		CompanyID:          rec.CompanyID,
		Format:             export.FormatJSON,
		Purpose:            export.PurposeClosure,
		IncludeUserData:    true,
		IncludeAssessments: true,
		IncludeCandidates:  true,
		IncludeSystemLogs:  true,
		RequestedBy:        rec.InitiatedBy,
	})
	if err != nil {
		return err
	}
	if err := r.repo.SetExportID(ctx, rec.ID, expRec.ID); err != nil {
		return err
	}
	rec.ExportID = &expRec.ID
	return nil
}

// stepUserDeactivation flips all company users to deactivated and propagates
// to the identity provider best effort.
func (r *Runner) stepUserDeactivation(ctx context.Context, rec Record) error {
	ids, err := r.repo.DeactivateUsers(ctx, rec.CompanyID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.idp.DisableUser(ctx, id); err != nil {
			r.log.WithFields(logrus.Fields{"closure_id": rec.ID, "user_id": id}).
				WithError(err).Warn("identity disable failed")
			continue
		}
		if err := r.idp.RevokeSessions(ctx, id); err != nil {
			r.log.WithFields(logrus.Fields{"closure_id": rec.ID, "user_id": id}).
				WithError(err).Warn("session revocation failed")
		}
	}
	return nil
}

// stepDataArchival checks a permanent closure has its export artifact before
// the point of no return. Archive closures keep data in place until a later
// retention decision, so there is nothing to move.
func (r *Runner) stepDataArchival(rec Record) error {
	if rec.DeleteType == DeletePermanent && rec.ExportRequested && rec.ExportID == nil {
		return fmt.Errorf("closure: export artifact missing before permanent delete")
	}
	return nil
}

// stepAuditFinalization seals the execution phase with a summary entry.
func (r *Runner) stepAuditFinalization(ctx context.Context, rec Record) error {
	return r.recorder.Append(ctx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      "steps_finalized",
		PerformedBy: "system",
		Details: map[string]any{
			"delete_type":  rec.DeleteType,
			"failed_steps": len(rec.Progress.FailedSteps),
		},
	})
}

// abort moves a record to failed after a critical step failure.
func (r *Runner) abort(ctx context.Context, rec Record, step Step, cause error) error {
	tx, err := r.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("closure: begin abort tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.repo.SetStatus(ctx, tx, rec.ID, StatusFailed); err != nil {
		return err
	}
	if err := r.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      "closure_failed",
		PerformedBy: "system",
		Details: map[string]any{
			"step":  step,
			"error": cause.Error(),
		},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("closure: commit abort tx: %w", err)
	}
	return fmt.Errorf("closure: step %s failed: %w", step, cause)
}

// enterGracePeriod moves a fully executed record into its grace period.
func (r *Runner) enterGracePeriod(ctx context.Context, rec Record) error {
	tx, err := r.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("closure: begin grace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.repo.SetStatus(ctx, tx, rec.ID, StatusGracePeriod); err != nil {
		return err
	}
	if err := r.repo.AppendAudit(ctx, tx, audit.AppendParams{
		ParentKind:  audit.ParentClosure,
		ParentID:    rec.ID,
		Action:      "grace_period_started",
		PerformedBy: "system",
		Details:     map[string]any{"grace_ends": rec.GracePeriodEnds},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("closure: commit grace tx: %w", err)
	}
	return nil
}
