// Package httpapi exposes the lifecycle workflows over HTTP with JSON
// envelopes and bearer-token auth.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"companyflow/closure"
	"companyflow/export"
	"companyflow/storage"
	"companyflow/suspension"
)

// ClosureAPI is the closure surface the server calls.
type ClosureAPI interface {
	Initiate(ctx context.Context, companyID string, req closure.Request, actorID string) (closure.InitiationResult, error)
	Cancel(ctx context.Context, companyID, reason, actorID string) (closure.Record, error)
	Rollback(ctx context.Context, companyID, reason, actorID string) (closure.Record, error)
	Status(ctx context.Context, companyID string) (closure.StatusView, error)
}

// SuspensionAPI is the suspension surface the server calls.
type SuspensionAPI interface {
	Suspend(ctx context.Context, companyID string, req suspension.SuspendRequest, actorID string) (suspension.Record, error)
	Reactivate(ctx context.Context, companyID, actorID string) (suspension.Record, error)
	Status(ctx context.Context, companyID string) (suspension.Record, error)
}

// ExportAPI is the export surface the server calls.
type ExportAPI interface {
	Initiate(ctx context.Context, req export.Request) (export.Record, error)
	GetStatus(ctx context.Context, exportID string) (export.Record, error)
	GetDownloadLink(ctx context.Context, exportID string, req export.Requester) (string, time.Time, error)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	closures    ClosureAPI
	suspensions SuspensionAPI
	exports     ExportAPI
	objects     storage.Store
	signer      *storage.Signer
	verifier    *TokenVerifier
	log         *logrus.Logger
}

// NewServer wires the HTTP surface.
func NewServer(closures ClosureAPI, suspensions SuspensionAPI, exports ExportAPI, objects storage.Store, signer *storage.Signer, verifier *TokenVerifier, log *logrus.Logger) *Server {
	return &Server{
		closures:    closures,
		suspensions: suspensions,
		exports:     exports,
		objects:     objects,
		signer:      signer,
		verifier:    verifier,
		log:         log,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Signed-URL downloads authenticate through the token in the URL.
	r.Get("/download", s.handleDownload)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/companies/{companyID}", func(r chi.Router) {
			r.Get("/closure", s.handleClosureStatus)
			r.Get("/suspension", s.handleSuspensionStatus)

			r.Group(func(r chi.Router) {
				r.Use(s.requireLifecycleRole)
				r.Post("/closure", s.handleClosureInitiate)
				r.Post("/closure/cancel", s.handleClosureCancel)
				r.Post("/closure/rollback", s.handleClosureRollback)
				r.Post("/suspension", s.handleSuspend)
				r.Post("/reactivation", s.handleReactivate)
			})
		})

		r.Post("/exports", s.handleExportInitiate)
		r.Get("/exports/{exportID}", s.handleExportStatus)
		r.Get("/exports/{exportID}/download-link", s.handleExportDownloadLink)
	})

	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
