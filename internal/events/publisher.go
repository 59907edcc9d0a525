package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/models"
)

type EventType string

const (
	// EventTypeSearchCompleted is published once per finished search job,
	// whether it succeeded or failed.
	EventTypeSearchCompleted EventType = "VISUAL_SEARCH_COMPLETED"

	AggregateSearchJob = "search_job"
)

type SearchCompletedPayload struct {
	EventID       string                `json:"event_id"`
	EventType     string                `json:"event_type"`
	Timestamp     time.Time             `json:"timestamp"`
	JobID         string                `json:"job_id"`
	ImagePath     string                `json:"image_path"`
	Keywords      []string              `json:"keywords,omitempty"`
	ForceFullCrop bool                  `json:"force_full_crop"`
	Status        string                `json:"status"`
	ResultCount   int                   `json:"result_count"`
	Results       []models.SearchResult `json:"results"`
	CropStatus    string                `json:"crop_status,omitempty"`
	CropReason    string                `json:"crop_reason,omitempty"`
	Error         string                `json:"error,omitempty"`
	Source        string                `json:"source"`
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes events to the transactional outbox. The relay moves them
// to Redis.
type Publisher struct {
	db     TxRunner
	outbox OutboxWriter
	stream string
	logger *slog.Logger
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if stream == "" {
		stream = database.DefaultStream
	}
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishSearchCompleted writes the event in its own transaction.
func (p *Publisher) PublishSearchCompleted(ctx context.Context, payload *SearchCompletedPayload) error {
	err := p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.PublishSearchCompletedTx(ctx, tx, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishSearchCompletedTx writes the event inside the caller's transaction,
// so it commits together with the job row.
func (p *Publisher) PublishSearchCompletedTx(ctx context.Context, tx pgx.Tx, payload *SearchCompletedPayload) error {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeSearchCompleted)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "visual-search"
	}
	if payload.Results == nil {
		payload.Results = []models.SearchResult{}
	}
	payload.ResultCount = len(payload.Results)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: AggregateSearchJob,
		AggregateID:   payload.JobID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}

	if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"job_id", payload.JobID,
		"results", payload.ResultCount,
		"outbox_id", event.ID,
	)

	return nil
}
