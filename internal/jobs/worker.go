package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/visual-search-scraper/internal/events"
	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
)

// StartWorker runs pending jobs one at a time until ctx ends. Between jobs it
// waits on the pacer, so a long queue is worked through at a human pace.
func (m *Manager) StartWorker(ctx context.Context) error {
	m.logger.Info("job worker started", "poll_interval", m.pollInterval)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := m.drain(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("job worker pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("job worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain runs jobs until none is pending.
func (m *Manager) drain(ctx context.Context) error {
	for {
		if m.pacer != nil {
			if err := m.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		job, err := m.claimNext(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		runErr := m.runJob(ctx, job)
		if m.pacer != nil {
			m.pacer.Done(runErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// claimNext marks the oldest pending job as running and returns it.
// Concurrent workers skip rows another worker has locked.
func (m *Manager) claimNext(ctx context.Context) (*Job, error) {
	query := `
		UPDATE search_jobs
		SET status = 'running', started_at = NOW(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM search_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(m.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// runJob searches, records the outcome and hands successful results on. The
// returned error is the search fault, if any.
func (m *Manager) runJob(ctx context.Context, job *Job) error {
	log := m.logger.With("job_id", job.ID, "image", job.ImagePath)
	log.Info("processing job", "attempt", job.Attempts)

	outcome, searchErr := m.runner.Search(ctx, job.Request())
	applyOutcome(job, outcome, searchErr, time.Now())

	// the row must be written even when shutdown cancelled the search
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	finish := m.finish
	if finish == nil {
		finish = m.finishTx
	}
	if err := finish(finishCtx, job, completionPayload(job, outcome)); err != nil {
		log.Error("failed to record job outcome", "error", err)
		return errors.Join(searchErr, err)
	}

	switch job.Status {
	case StatusCompleted:
		log.Info("job completed", "results", job.ResultCount, "crop", job.CropStatus)
		m.submit(ctx, job, outcome)
	case StatusPending:
		log.Warn("job interrupted, returned to the queue")
	default:
		log.Error("job failed", "error", job.Error)
	}

	return searchErr
}

// finishTx writes the job row and its completion event in one transaction.
// A job put back in the queue gets no event.
func (m *Manager) finishTx(ctx context.Context, job *Job, payload *events.SearchCompletedPayload) error {
	return m.db.Transaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE search_jobs
			SET status = $1, result_count = $2, crop_status = $3, crop_reason = $4,
			    surface_url = $5, error = $6, completed_at = $7
			WHERE id = $8`

		_, err := tx.Exec(ctx, query,
			job.Status, job.ResultCount, job.CropStatus, job.CropReason,
			job.SurfaceURL, job.Error, job.CompletedAt, job.ID)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		if job.Status == StatusPending || m.publisher == nil {
			return nil
		}
		return m.publisher.PublishSearchCompletedTx(ctx, tx, payload)
	})
}

func (m *Manager) submit(ctx context.Context, job *Job, outcome *scraper.Outcome) {
	if m.matcher == nil || outcome == nil || len(outcome.Results) == 0 {
		return
	}

	ack, err := m.matcher.SubmitCandidates(ctx, matcher.Submission{
		JobID:     job.ID,
		ImagePath: job.ImagePath,
		Keywords:  job.Keywords,
		Results:   outcome.Results,
	})
	if err != nil {
		m.logger.Error("failed to submit candidates", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Info("candidates submitted", "job_id", job.ID, "accepted", ack.Accepted)
}

// applyOutcome moves the job to its final state. A search cut short by
// cancellation goes back to pending.
func applyOutcome(job *Job, outcome *scraper.Outcome, err error, now time.Time) {
	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.Error = ""
		job.CompletedAt = &now
		if outcome != nil {
			job.ResultCount = len(outcome.Results)
			job.CropStatus = string(outcome.Crop.Status)
			job.CropReason = outcome.Crop.Reason
			job.SurfaceURL = outcome.SurfaceURL
		}
	case errors.Is(err, context.Canceled):
		job.Status = StatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
		job.ResultCount = 0
		job.CompletedAt = &now
	}
}

func completionPayload(job *Job, outcome *scraper.Outcome) *events.SearchCompletedPayload {
	payload := &events.SearchCompletedPayload{
		JobID:         job.ID,
		ImagePath:     job.ImagePath,
		Keywords:      job.Keywords,
		ForceFullCrop: job.ForceFullCrop,
		Status:        job.Status,
		CropStatus:    job.CropStatus,
		CropReason:    job.CropReason,
		Error:         job.Error,
	}
	if job.Status == StatusCompleted && outcome != nil {
		payload.Results = outcome.Results
	}
	return payload
}
