package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/events"
	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/ratelimit"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid job request")
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Runner performs one visual search.
type Runner interface {
	Search(ctx context.Context, req models.SearchRequest) (*scraper.Outcome, error)
}

type CompletionPublisher interface {
	PublishSearchCompletedTx(ctx context.Context, tx pgx.Tx, payload *events.SearchCompletedPayload) error
}

type CandidateSink interface {
	SubmitCandidates(ctx context.Context, sub matcher.Submission) (*matcher.Ack, error)
}

type Manager struct {
	db           *database.DB
	runner       Runner
	publisher    CompletionPublisher
	matcher      CandidateSink
	pacer        *ratelimit.Pacer
	pollInterval time.Duration
	logger       *slog.Logger

	// finish records a finished job; nil means finishTx.
	finish func(ctx context.Context, job *Job, payload *events.SearchCompletedPayload) error
}

type Options struct {
	PollInterval time.Duration
	Pacer        *ratelimit.Pacer
	// Matcher receives the candidates of successful jobs. Nil disables it.
	Matcher CandidateSink
}

func NewManager(db *database.DB, runner Runner, publisher CompletionPublisher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	return &Manager{
		db:           db,
		runner:       runner,
		publisher:    publisher,
		matcher:      opts.Matcher,
		pacer:        opts.Pacer,
		pollInterval: opts.PollInterval,
		logger:       logger.With("component", "job_manager"),
	}
}

// Job is one queued visual search.
type Job struct {
	ID            string     `json:"id"`
	ImagePath     string     `json:"image_path"`
	Keywords      []string   `json:"keywords"`
	ForceFullCrop bool       `json:"force_full_crop"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	ResultCount   int        `json:"result_count"`
	CropStatus    string     `json:"crop_status,omitempty"`
	CropReason    string     `json:"crop_reason,omitempty"`
	SurfaceURL    string     `json:"surface_url,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Request() models.SearchRequest {
	return models.SearchRequest{
		ImagePath:          j.ImagePath,
		ForceFullImageCrop: j.ForceFullCrop,
		Keywords:           j.Keywords,
	}
}

type Stats struct {
	TotalJobs     int     `json:"total_jobs"`
	PendingJobs   int     `json:"pending_jobs"`
	RunningJobs   int     `json:"running_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	TotalResults  int     `json:"total_results"`
	DegradedCrops int     `json:"degraded_crops"`
	SuccessRate   float64 `json:"success_rate"`
}

type ListOptions struct {
	Status string
	Limit  int
}

const jobColumns = `
	id, image_path, keywords, force_full_crop, status, attempts,
	result_count, crop_status, crop_reason, surface_url, error,
	created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var id uuid.UUID
	err := row.Scan(
		&id, &job.ImagePath, &job.Keywords, &job.ForceFullCrop, &job.Status, &job.Attempts,
		&job.ResultCount, &job.CropStatus, &job.CropReason, &job.SurfaceURL, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ID = id.String()
	return job, nil
}

// CreateJob queues a search. The image itself is checked when the job runs.
func (m *Manager) CreateJob(ctx context.Context, req models.SearchRequest) (*Job, error) {
	if strings.TrimSpace(req.ImagePath) == "" {
		return nil, fmt.Errorf("%w: image_path is required", ErrInvalidRequest)
	}

	job := &Job{
		ID:            uuid.New().String(),
		ImagePath:     req.ImagePath,
		Keywords:      req.NormalizedKeywords(),
		ForceFullCrop: req.ForceFullImageCrop,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
	if job.Keywords == nil {
		job.Keywords = []string{}
	}

	query := `
		INSERT INTO search_jobs
		(id, image_path, keywords, force_full_crop, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := m.db.Exec(ctx, query,
		job.ID, job.ImagePath, job.Keywords, job.ForceFullCrop, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("job created", "id", job.ID, "image", job.ImagePath)
	return job, nil
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, ErrJobNotFound
	}

	query := `SELECT ` + jobColumns + ` FROM search_jobs WHERE id = $1`

	job, err := scanJob(m.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first, optionally filtered by status.
func (m *Manager) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM search_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := m.db.Query(ctx, query, opts.Status, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(result_count), 0),
			COUNT(*) FILTER (WHERE crop_status LIKE 'skipped-%')
		FROM search_jobs
	`

	err := m.db.QueryRow(ctx, query).Scan(
		&stats.TotalJobs, &stats.PendingJobs, &stats.RunningJobs,
		&stats.CompletedJobs, &stats.FailedJobs, &stats.TotalResults, &stats.DegradedCrops,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats.SuccessRate = successRate(stats.CompletedJobs, stats.FailedJobs)
	return stats, nil
}

// successRate is the share of finished jobs that completed, in percent.
func successRate(completed, failed int) float64 {
	finished := completed + failed
	if finished == 0 {
		return 0
	}
	return float64(completed) / float64(finished) * 100
}
