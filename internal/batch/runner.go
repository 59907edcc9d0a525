package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/queue"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest) (*scraper.Outcome, error)
}

// Pacer spaces searches out. *ratelimit.Pacer satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
	Done(err error)
}

type CandidateSink interface {
	SubmitCandidates(ctx context.Context, sub matcher.Submission) (*matcher.Ack, error)
}

// Record is one line of the batch output.
type Record struct {
	TaskID   string                `json:"task_id"`
	SKU      string                `json:"sku,omitempty"`
	Image    string                `json:"image"`
	Status   string                `json:"status"`
	Attempts int                   `json:"attempts"`
	Crop     *scraper.CropOutcome  `json:"crop,omitempty"`
	Count    int                   `json:"count"`
	Results  []models.SearchResult `json:"results"`
	Error    string                `json:"error,omitempty"`
	Finished time.Time             `json:"finished_at"`
}

type Summary struct {
	Total     int
	Succeeded int
	Empty     int
	Failed    int
}

type Runner struct {
	searcher   Searcher
	pacer      Pacer
	sink       CandidateSink
	maxRetries int
	logger     *slog.Logger
}

type Options struct {
	Pacer Pacer
	// Sink receives non-empty result sets. Nil disables it.
	Sink CandidateSink
	// MaxRetries re-queues a failed task at the back of the queue.
	MaxRetries int
}

func NewRunner(searcher Searcher, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		searcher:   searcher,
		pacer:      opts.Pacer,
		sink:       opts.Sink,
		maxRetries: opts.MaxRetries,
		logger:     logger.With("component", "batch"),
	}
}

// Run works through q one task at a time until it is empty, writing one JSON
// record per finished task to out. A failed task does not stop the batch.
func (r *Runner) Run(ctx context.Context, q *queue.InMemoryQueue, out io.Writer) (Summary, error) {
	var summary Summary
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	total := q.Size()
	for i := 0; ; i++ {
		task, err := q.TryPop()
		if errors.Is(err, queue.ErrQueueEmpty) || errors.Is(err, queue.ErrQueueClosed) {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}

		if r.pacer != nil {
			if err := r.pacer.Wait(ctx); err != nil {
				return summary, err
			}
		}

		log := r.logger.With("task", task.Label(), "image", task.ImagePath)
		log.Info("processing task", "position", i+1, "queued", total)

		outcome, searchErr := r.searcher.Search(ctx, task.Request())
		if r.pacer != nil {
			r.pacer.Done(searchErr)
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		if searchErr != nil && task.Retries < r.maxRetries {
			task.Retries++
			log.Warn("task failed, retrying later", "error", searchErr, "retry", task.Retries)
			if err := q.Push(task); err != nil {
				return summary, fmt.Errorf("failed to requeue task: %w", err)
			}
			total++
			continue
		}

		rec := r.record(task, outcome, searchErr)
		summary.Total++
		switch {
		case searchErr != nil:
			summary.Failed++
			log.Error("task failed", "error", searchErr)
		case rec.Count == 0:
			summary.Empty++
			log.Warn("no candidates found")
		default:
			summary.Succeeded++
			log.Info("task completed", "results", rec.Count, "crop", rec.Crop.Status)
			r.submit(ctx, task, outcome)
		}

		if err := enc.Encode(rec); err != nil {
			return summary, fmt.Errorf("failed to write record: %w", err)
		}
	}
}

func (r *Runner) record(task *queue.Task, outcome *scraper.Outcome, err error) Record {
	rec := Record{
		TaskID:   task.ID,
		SKU:      task.SKU,
		Image:    task.ImagePath,
		Attempts: task.Retries + 1,
		Results:  []models.SearchResult{},
		Finished: time.Now(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		return rec
	}

	rec.Status = "completed"
	rec.Crop = &outcome.Crop
	if outcome.Results != nil {
		rec.Results = outcome.Results
	}
	rec.Count = len(rec.Results)
	return rec
}

func (r *Runner) submit(ctx context.Context, task *queue.Task, outcome *scraper.Outcome) {
	if r.sink == nil {
		return
	}
	ack, err := r.sink.SubmitCandidates(ctx, matcher.Submission{
		JobID:     task.ID,
		ImagePath: task.ImagePath,
		Keywords:  task.Keywords,
		Results:   outcome.Results,
	})
	if err != nil {
		r.logger.Error("failed to submit candidates", "task", task.Label(), "error", err)
		return
	}
	r.logger.Info("candidates submitted", "task", task.Label(), "accepted", ack.Accepted)
}
