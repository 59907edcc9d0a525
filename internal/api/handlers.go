package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/visual-search-scraper/internal/browser"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/jobs"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (*scraper.Outcome, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, req models.SearchRequest) (*jobs.Job, error)
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
	ListJobs(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error)
	GetStats(ctx context.Context) (*jobs.Stats, error)
}

type SessionReporter interface {
	Status() browser.Status
}

type OutboxReporter interface {
	Status(ctx context.Context) (database.OutboxStatus, error)
}

type Handlers struct {
	search  Searcher
	jobs    JobStore
	session SessionReporter
	outbox  OutboxReporter
	logger  *slog.Logger
}

// NewHandlers wires the HTTP surface. store, session and outbox may be nil
// when the server runs without a database.
func NewHandlers(search Searcher, store JobStore, session SessionReporter, outbox OutboxReporter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		search:  search,
		jobs:    store,
		session: session,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
}

// Routes mounts the handlers on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", h.Search)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
		})

		r.Get("/stats", h.GetStats)
	})
}

// SearchRequest is the body of a synchronous search.
type SearchRequest struct {
	ImagePath     string   `json:"image_path"`
	ForceFullCrop bool     `json:"force_full_crop"`
	Keywords      []string `json:"keywords"`
}

func (r SearchRequest) toModel() models.SearchRequest {
	return models.SearchRequest{
		ImagePath:          strings.TrimSpace(r.ImagePath),
		ForceFullImageCrop: r.ForceFullCrop,
		Keywords:           r.Keywords,
	}
}

type CropInfo struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type SearchResponse struct {
	Success bool                  `json:"success"`
	Data    []models.SearchResult `json:"data"`
	Crop    *CropInfo             `json:"crop,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Search runs one visual search and answers with the ranked listings. A
// failed search is a 500, never an empty list.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ImagePath) == "" {
		h.respondFailure(w, http.StatusBadRequest, "image_path is required")
		return
	}

	outcome, err := h.search.Search(r.Context(), req.toModel())
	if err != nil {
		if errors.Is(err, scraper.ErrInvalidImage) {
			h.respondFailure(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("search failed", "image", req.ImagePath, "error", err)
		h.respondFailure(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := outcome.Results
	if data == nil {
		data = []models.SearchResult{}
	}
	h.respondJSON(w, http.StatusOK, SearchResponse{
		Success: true,
		Data:    data,
		Crop: &CropInfo{
			Status: string(outcome.Crop.Status),
			Reason: outcome.Crop.Reason,
		},
	})
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.respondError(w, http.StatusServiceUnavailable, "job queue is disabled")
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), req.toModel())
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidRequest) {
			h.respondError(w, http.StatusBadRequest, "image_path is required")
			return
		}
		h.logger.Error("failed to create job", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job created successfully",
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.respondError(w, http.StatusServiceUnavailable, "job queue is disabled")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		h.respondError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "job_id", jobID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs accepts ?status= and ?limit=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.respondError(w, http.StatusServiceUnavailable, "job queue is disabled")
		return
	}

	opts := jobs.ListOptions{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		opts.Limit = limit
	}

	list, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.respondError(w, http.StatusServiceUnavailable, "job queue is disabled")
		return
	}

	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

type HealthResponse struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Session *browser.Status        `json:"session,omitempty"`
	Outbox  *database.OutboxStatus `json:"outbox,omitempty"`
}

// Health reports the browser session and the outbox backlog. A large dead
// letter count makes the service unhealthy.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.session != nil {
		s := h.session.Status()
		health.Session = &s
		if !s.Open {
			health.Status = "warning"
			health.Message = "Browser session has no open home page"
		}
	}

	if h.outbox != nil {
		o, err := h.outbox.Status(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox status", "error", err)
			health.Status = "error"
			health.Message = "Outbox status unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}
		health.Outbox = &o

		if o.Pending > pendingWarnThreshold {
			health.Status = "warning"
			health.Message = "High number of pending outbox events"
		}
		if o.DeadLetter > deadLetterFailThreshold {
			health.Status = "error"
			health.Message = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure answers the search endpoint, whose clients read the success flag.
func (h *Handlers) respondFailure(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, SearchResponse{Success: false, Error: message})
}
