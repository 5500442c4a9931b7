package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"companyflow/audit"
	"companyflow/closure"
	"companyflow/company"
	"companyflow/export"
	"companyflow/suspension"
)

func (s *Server) handleClosureInitiate(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	claims, _ := ClaimsFrom(r.Context())

	var req closure.Request
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.closures.Initiate(r.Context(), companyID, req, claims.UserID)
	if err != nil {
		s.respondClosureError(w, err)
		return
	}
	if !result.Success {
		// Validation blockers: structured refusal, not a transport error.
		respondJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleClosureCancel(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	claims, _ := ClaimsFrom(r.Context())

	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := s.closures.Cancel(r.Context(), companyID, req.Reason, claims.UserID)
	if err != nil {
		s.respondClosureError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toClosureResponse(rec))
}

func (s *Server) handleClosureRollback(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	claims, _ := ClaimsFrom(r.Context())

	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := s.closures.Rollback(r.Context(), companyID, req.Reason, claims.UserID)
	if err != nil {
		s.respondClosureError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toClosureResponse(rec))
}

func (s *Server) handleClosureStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.closures.Status(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		s.respondClosureError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toClosureStatusResponse(view))
}

func (s *Server) respondClosureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, closure.ErrConfirmationMismatch),
		errors.Is(err, closure.ErrInvalidReason),
		errors.Is(err, closure.ErrInvalidDeleteType),
		errors.Is(err, closure.ErrGracePeriodRange):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, closure.ErrClosureActive),
		errors.Is(err, closure.ErrRollbackUnavailable),
		errors.Is(err, closure.ErrIllegalTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, closure.ErrClosureNotFound), errors.Is(err, company.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.log.WithError(err).Error("closure request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	claims, _ := ClaimsFrom(r.Context())

	var req suspension.SuspendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := s.suspensions.Suspend(r.Context(), companyID, req, claims.UserID)
	if err != nil {
		s.respondSuspensionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toSuspensionResponse(rec))
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	claims, _ := ClaimsFrom(r.Context())

	rec, err := s.suspensions.Reactivate(r.Context(), companyID, claims.UserID)
	if err != nil {
		s.respondSuspensionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSuspensionResponse(rec))
}

func (s *Server) handleSuspensionStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.suspensions.Status(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		s.respondSuspensionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toSuspensionResponse(rec))
}

func (s *Server) respondSuspensionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, suspension.ErrAlreadySuspended), errors.Is(err, suspension.ErrNotSuspended):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, company.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.log.WithError(err).Error("suspension request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleExportInitiate(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req export.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.Purpose = export.PurposeManual
	req.RequestedBy = claims.UserID

	rec, err := s.exports.Initiate(r.Context(), req)
	if err != nil {
		s.respondExportError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, toExportResponse(rec))
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.exports.GetStatus(r.Context(), chi.URLParam(r, "exportID"))
	if err != nil {
		s.respondExportError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toExportResponse(rec))
}

func (s *Server) handleExportDownloadLink(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	url, expires, err := s.exports.GetDownloadLink(r.Context(), chi.URLParam(r, "exportID"), export.Requester{
		UserID:             claims.UserID,
		GlobalExportAccess: claims.Role == RolePlatformAdmin,
	})
	if err != nil {
		s.respondExportError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"downloadUrl": url,
		"expiresAt":   expires,
	})
}

func (s *Server) respondExportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, export.ErrNoCategories), errors.Is(err, export.ErrFormatUnsupported):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, export.ErrExportActive), errors.Is(err, export.ErrNotReady):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, export.ErrExportNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, export.ErrAccessDenied):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		s.log.WithError(err).Error("export request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleDownload serves an export artifact addressed by a signed URL token.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing token")
		return
	}
	key, err := s.signer.Verify(token)
	if err != nil {
		respondError(w, http.StatusForbidden, "invalid or expired token")
		return
	}
	data, err := s.objects.Get(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="export.enc"`)
	_, _ = w.Write(data)
}

type closureResponse struct {
	ID              string             `json:"id"`
	CompanyID       string             `json:"companyId"`
	Status          closure.Status     `json:"status"`
	Reason          closure.ReasonCode `json:"reason"`
	DeleteType      closure.DeleteType `json:"deleteType"`
	InitiatedBy     string             `json:"initiatedBy"`
	InitiatedAt     time.Time          `json:"initiatedAt"`
	GracePeriodEnds time.Time          `json:"gracePeriodEnds"`
	Progress        closure.Progress   `json:"progress"`
	Rollback        bool               `json:"rollbackAvailable"`
}

func toClosureResponse(rec closure.Record) closureResponse {
	return closureResponse{
		ID:              rec.ID,
		CompanyID:       rec.CompanyID,
		Status:          rec.Status,
		Reason:          rec.ReasonCode,
		DeleteType:      rec.DeleteType,
		InitiatedBy:     rec.InitiatedBy,
		InitiatedAt:     rec.InitiatedAt,
		GracePeriodEnds: rec.GracePeriodEnds,
		Progress:        rec.Progress,
		Rollback:        rec.RollbackAvailable,
	}
}

type closureStatusResponse struct {
	closureResponse
	AuditTrail []auditEntryResponse `json:"auditTrail"`
}

type auditEntryResponse struct {
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performedBy"`
	Details      map[string]any `json:"details,omitempty"`
	Outcome      audit.Outcome  `json:"outcome"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func toClosureStatusResponse(view closure.StatusView) closureStatusResponse {
	trail := make([]auditEntryResponse, 0, len(view.AuditTrail))
	for _, e := range view.AuditTrail {
		trail = append(trail, auditEntryResponse{
			Action:       e.Action,
			PerformedBy:  e.PerformedBy,
			Details:      e.Details,
			Outcome:      e.Outcome,
			ErrorMessage: e.ErrorMessage,
			CreatedAt:    e.CreatedAt,
		})
	}
	return closureStatusResponse{
		closureResponse: toClosureResponse(view.Record),
		AuditTrail:      trail,
	}
}

type suspensionResponse struct {
	ID               string            `json:"id"`
	CompanyID        string            `json:"companyId"`
	Status           suspension.Status `json:"status"`
	Reason           string            `json:"reason"`
	SuspendedBy      string            `json:"suspendedBy"`
	SuspendedAt      time.Time         `json:"suspendedAt"`
	SuspendUntil     *time.Time        `json:"suspendUntil,omitempty"`
	UsersDeactivated int               `json:"usersDeactivated"`
}

func toSuspensionResponse(rec suspension.Record) suspensionResponse {
	return suspensionResponse{
		ID:               rec.ID,
		CompanyID:        rec.CompanyID,
		Status:           rec.Status,
		Reason:           rec.Reason,
		SuspendedBy:      rec.SuspendedBy,
		SuspendedAt:      rec.SuspendedAt,
		SuspendUntil:     rec.SuspendUntil,
		UsersDeactivated: len(rec.DeactivatedUserIDs),
	}
}

type exportResponse struct {
	ID        string          `json:"id"`
	CompanyID string          `json:"companyId"`
	Status    export.Status   `json:"status"`
	Format    export.Format   `json:"format"`
	Progress  export.Progress `json:"progress"`
	Checksum  string          `json:"checksum,omitempty"`
	FileSize  int64           `json:"fileSize,omitempty"`
}

func toExportResponse(rec export.Record) exportResponse {
	return exportResponse{
		ID:        rec.ID,
		CompanyID: rec.CompanyID,
		Status:    rec.Status,
		Format:    rec.Format,
		Progress:  rec.Progress,
		Checksum:  rec.Checksum,
		FileSize:  rec.FileSize,
	}
}
