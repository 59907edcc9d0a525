package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamWriter is the part of *redis.Client the relay publishes through.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxStore is the relay's view of the outbox table.
type OutboxStore interface {
	ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	Counts(ctx context.Context) (pending, deadLetter int64, err error)
}

// Relay moves committed outbox rows onto their Redis stream. Delivery is at
// least once: a crash between XADD and MarkProcessed republishes the event
// after its claim lease runs out.
type Relay struct {
	streams   StreamWriter
	outbox    OutboxStore
	stream    string
	interval  time.Duration
	batchSize int
	maxLen    int64
	logger    *slog.Logger
}

type RelayConfig struct {
	// Stream is used for rows that carry no target stream of their own.
	Stream       string
	PollInterval time.Duration
	BatchSize    int
	// MaxLen trims the stream to about this many entries. Zero keeps all.
	MaxLen int64
}

func NewRelay(db *DB, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	return newRelay(NewOutboxRepository(db), streams, logger, cfg)
}

func newRelay(outbox OutboxStore, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		streams:   streams,
		outbox:    outbox,
		stream:    cfg.Stream,
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		maxLen:    cfg.MaxLen,
		logger:    logger.With("component", "relay", "stream", cfg.Stream),
	}
}

// Start drains the outbox once, then again on every tick until ctx ends.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay", "interval", r.interval, "batch_size", r.batchSize, "max_len", r.maxLen)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n := r.drain(ctx); n > 0 {
			r.logger.Info("relayed events", "count", n)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain keeps claiming batches while they come back full and make progress.
func (r *Relay) drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		delivered, claimed, err := r.deliverBatch(ctx)
		total += delivered
		if err != nil {
			r.logger.Error("failed to read outbox", "error", err)
			break
		}
		if claimed < r.batchSize || delivered == 0 {
			break
		}
	}
	return total
}

func (r *Relay) deliverBatch(ctx context.Context) (delivered, claimed int, err error) {
	events, err := r.outbox.ClaimPending(ctx, r.batchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, event := range events {
		if err := r.deliver(ctx, event); err != nil {
			r.logger.Warn("event delivery failed",
				"event_id", event.ID,
				"job_id", event.AggregateID,
				"attempt", event.RetryCount+1,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered, len(events), nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) error {
	if err := r.publish(ctx, event); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			r.logger.Error("failed to record delivery failure", "event_id", event.ID, "error", markErr)
		}
		return err
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return fmt.Errorf("published but not marked processed: %w", err)
	}

	r.logger.Debug("event relayed", "event_id", event.ID, "event_type", event.EventType, "job_id", event.AggregateID)
	return nil
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	values, err := StreamValues(event)
	if err != nil {
		return err
	}

	stream := event.TargetStream
	if stream == "" {
		stream = r.stream
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.streams.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to %s: %w", stream, err)
	}
	return nil
}

// OutboxStatus reports the delivery backlog for health checks.
type OutboxStatus struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

func (r *Relay) Status(ctx context.Context) (OutboxStatus, error) {
	pending, dead, err := r.outbox.Counts(ctx)
	if err != nil {
		return OutboxStatus{}, fmt.Errorf("failed to read outbox backlog: %w", err)
	}
	return OutboxStatus{Pending: pending, DeadLetter: dead}, nil
}
