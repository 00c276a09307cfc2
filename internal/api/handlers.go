package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/silvercrow/onecut/internal/db"
	"github.com/silvercrow/onecut/internal/models"
	"github.com/silvercrow/onecut/internal/timeline"
)

// JobStore is the slice of the job table the handlers need. *db.DB
// satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ExportJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.ExportJob, error)
	CountJobs(ctx context.Context) (int, error)
	MarkFailed(ctx context.Context, id uuid.UUID, kind models.ErrorKind, message string) error
}

// Enqueuer hands a created job to the worker queue. *queue.Queue satisfies
// it.
type Enqueuer interface {
	EnqueueExport(ctx context.Context, jobID uuid.UUID, payload interface{}) error
}

// Canceller requests best-effort cancellation of a running job.
// *export.Orchestrator satisfies it.
type Canceller interface {
	Cancel(jobID uuid.UUID) bool
}

type Handler struct {
	db           JobStore
	queue        Enqueuer
	orchestrator Canceller
}

func NewHandler(database JobStore, q Enqueuer, orch Canceller) *Handler {
	return &Handler{
		db:           database,
		queue:        q,
		orchestrator: orch,
	}
}

// StartExport handles POST /v1/exports. The timeline is validated
// synchronously; a malformed timeline never creates a job.
func (h *Handler) StartExport(w http.ResponseWriter, r *http.Request) {
	var req models.StartExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := timeline.Validate(req.Elements, req.Tracks, req.Settings); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	job := &models.ExportJob{
		ID:     uuid.New(),
		Status: models.ExportStatusQueued,
	}

	if err := h.db.CreateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create export job")
		return
	}

	if err := h.queue.EnqueueExport(r.Context(), job.ID, req); err != nil {
		// The job row already exists; without this it would sit queued
		// forever with no worker ever picking it up.
		if dbErr := h.db.MarkFailed(r.Context(), job.ID, models.ErrorKindRenderEngine, "failed to enqueue export job"); dbErr != nil {
			log.Printf("[API] Failed to mark unenqueued job %s failed: %v", job.ID, dbErr)
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue export job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.StartExportResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// GetExport handles GET /v1/exports/{id}
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid export job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Export job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get export job")
		return
	}

	respondJSON(w, http.StatusOK, models.ExportStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		DownloadURL:  job.DownloadURL,
	})
}

// ListExports handles GET /v1/exports
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count export jobs")
		return
	}

	jobs, err := h.db.ListJobs(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list export jobs")
		return
	}

	respondJSON(w, http.StatusOK, models.ListExportsResponse{
		Exports: jobs,
		Total:   total,
	})
}

// CancelExport handles POST /v1/exports/{id}/cancel. Cancellation is
// best-effort: a job already past subprocess launch may finish rather than
// abort immediately.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid export job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Export job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get export job")
		return
	}

	switch job.Status {
	case models.ExportStatusCompleted, models.ExportStatusFailed:
		respondError(w, http.StatusConflict, "Export job already finished")
		return
	}

	running := h.orchestrator.Cancel(jobID)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":    jobID,
		"cancelled": running,
	})
}

// DownloadExport handles GET /v1/exports/{id}/download
func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid export job ID")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Export job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get export job")
		return
	}

	if job.Status != models.ExportStatusCompleted || job.DownloadURL == nil {
		respondError(w, http.StatusNotFound, "Export not ready")
		return
	}

	http.Redirect(w, r, *job.DownloadURL, http.StatusTemporaryRedirect)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
