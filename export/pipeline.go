package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"companyflow/audit"
)

// Run executes the pipeline for a freshly created record. Phases run in
// their fixed order; the first error marks the record failed and halts.
func (s *Service) Run(ctx context.Context, rec Record) error {
	log := s.log.WithFields(logrus.Fields{"export_id": rec.ID, "company_id": rec.CompanyID})

	// preparation: gather denominators so progress has a stable total.
	tableCounts, totalRecords, err := s.countAll(ctx, rec)
	if err != nil {
		return s.fail(ctx, rec, PhasePreparation, err)
	}

	autoDelete := s.now().Add(s.opts.Retention)
	meta := Metadata{
		TableCounts:     tableCounts,
		Sanitized:       true,
		EncryptionKeyID: s.enc.KeyID(),
		AutoDeleteAt:    &autoDelete,
	}
	if err := s.repo.MarkStarted(ctx, rec.ID, totalRecords, meta); err != nil {
		return s.fail(ctx, rec, PhasePreparation, err)
	}
	log.WithField("total_records", totalRecords).Info("export started")

	// data phases, in fixed category order.
	extracted := make(map[Category][]map[string]any, len(rec.Categories))
	for _, cp := range categoryPhases {
		if !rec.hasCategory(cp.Category) {
			continue
		}
		if err := s.repo.SetPhase(ctx, rec.ID, cp.Phase); err != nil {
			return s.fail(ctx, rec, cp.Phase, err)
		}
		rows, err := s.extractPhase(ctx, rec, cp.Category)
		if err != nil {
			return s.fail(ctx, rec, cp.Phase, err)
		}
		extracted[cp.Category] = rows
		if err := s.repo.AdvanceProgress(ctx, rec.ID, int64(len(rows))); err != nil {
			return s.fail(ctx, rec, cp.Phase, err)
		}
	}

	// packaging.
	if err := s.repo.SetPhase(ctx, rec.ID, PhasePackaging); err != nil {
		return s.fail(ctx, rec, PhasePackaging, err)
	}
	packaged, err := s.packageData(rec, extracted)
	if err != nil {
		return s.fail(ctx, rec, PhasePackaging, err)
	}

	// encryption.
	if err := s.repo.SetPhase(ctx, rec.ID, PhaseEncryption); err != nil {
		return s.fail(ctx, rec, PhaseEncryption, err)
	}
	sealed, err := s.enc.Seal(packaged, rec.ID)
	if err != nil {
		return s.fail(ctx, rec, PhaseEncryption, err)
	}

	// upload: checksum is computed over the uploaded ciphertext.
	if err := s.repo.SetPhase(ctx, rec.ID, PhaseUpload); err != nil {
		return s.fail(ctx, rec, PhaseUpload, err)
	}
	key := StorageKey(rec.CompanyID, rec.ID, rec.Format)
	if err := s.objects.Put(ctx, key, sealed); err != nil {
		return s.fail(ctx, rec, PhaseUpload, err)
	}
	checksum := Checksum(sealed)

	// cleanup: finalize the record.
	if err := s.repo.MarkCompleted(ctx, rec.ID, key, checksum, int64(len(sealed)), meta); err != nil {
		return s.fail(ctx, rec, PhaseCleanup, err)
	}

	if err := s.recorder.Append(ctx, audit.AppendParams{
		ParentKind:  audit.ParentExport,
		ParentID:    rec.ID,
		Action:      "export_completed",
		PerformedBy: "system",
		Details: map[string]any{
			"file_size": len(sealed),
			"checksum":  checksum,
		},
	}); err != nil {
		log.WithError(err).Warn("audit append failed")
	}

	log.WithFields(logrus.Fields{"file_size": len(sealed)}).Info("export completed")
	return nil
}

func (rec Record) hasCategory(cat Category) bool {
	for _, c := range rec.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

func (s *Service) extractPhase(ctx context.Context, rec Record, cat Category) ([]map[string]any, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, s.opts.PhaseTimeout)
	defer cancel()
	return s.repo.ExtractCategory(phaseCtx, rec.CompanyID, cat, rec.RangeFrom, rec.RangeTo)
}

// packageData serializes the extracted categories. Only JSON packaging is
// implemented; other formats fail the job explicitly.
func (s *Service) packageData(rec Record, extracted map[Category][]map[string]any) ([]byte, error) {
	switch rec.Format {
	case FormatJSON:
	case FormatCSV, FormatXLSX, FormatSQL:
		return nil, fmt.Errorf("%w: %s", ErrFormatUnsupported, rec.Format)
	default:
		return nil, fmt.Errorf("export: unknown format %q", rec.Format)
	}

	payload := map[string]any{
		"exportId":    rec.ID,
		"companyId":   rec.CompanyID,
		"generatedAt": s.now().UTC().Format(time.RFC3339),
		"data":        map[string]any{},
	}
	data := payload["data"].(map[string]any)
	for cat, rows := range extracted {
		data[string(cat)] = rows
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("export: marshal package: %w", err)
	}
	return body, nil
}

// fail marks the record failed, audits the halt, and returns the cause.
func (s *Service) fail(ctx context.Context, rec Record, phase Phase, cause error) error {
	if err := s.repo.MarkFailed(ctx, rec.ID, phase, cause); err != nil {
		s.log.WithField("export_id", rec.ID).WithError(err).Error("mark failed errored")
	}
	if err := s.recorder.Append(ctx, audit.AppendParams{
		ParentKind:   audit.ParentExport,
		ParentID:     rec.ID,
		Action:       "export_failed",
		PerformedBy:  "system",
		Details:      map[string]any{"phase": string(phase)},
		Outcome:      audit.OutcomeFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		s.log.WithField("export_id", rec.ID).WithError(err).Warn("audit append failed")
	}
	return fmt.Errorf("export: phase %s: %w", phase, cause)
}

// StorageKey is the deterministic object key for an export artifact.
func StorageKey(companyID, exportID string, format Format) string {
	return fmt.Sprintf("exports/company-export-%s-%s.%s", companyID, exportID, format)
}
