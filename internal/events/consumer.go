package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/redis/go-redis/v9"
)

// StreamClient is the part of *redis.Client a Consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Handler receives one completed search. An error leaves the message
// unacknowledged in the group's pending list.
type Handler func(ctx context.Context, payload *SearchCompletedPayload) error

type ConsumerConfig struct {
	Stream   string
	Group    string
	Name     string
	Block    time.Duration
	Count    int64
	ErrSleep time.Duration
}

// Consumer reads VISUAL_SEARCH_COMPLETED events from the relay's stream
// through a consumer group.
type Consumer struct {
	client  StreamClient
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger
}

func NewConsumer(client StreamClient, cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "visual-search-consumers"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.ErrSleep <= 0 {
		cfg.ErrSleep = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "results_consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// Run consumes until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "name", c.cfg.Name)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ErrSleep):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	payload, err := decodeMessage(msg)
	if err != nil {
		// a malformed message would never succeed, so it is acknowledged
		c.logger.Error("dropping malformed message", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}
	if payload == nil {
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.handler(ctx, payload); err != nil {
		c.logger.Error("failed to handle event", "id", msg.ID, "job_id", payload.JobID, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "id", id, "error", err)
	}
}

// decodeMessage returns nil for events of other types.
func decodeMessage(msg redis.XMessage) (*SearchCompletedPayload, error) {
	if t, _ := msg.Values[database.FieldEventType].(string); t != "" && t != string(EventTypeSearchCompleted) {
		return nil, nil
	}

	env, err := database.DecodeStreamEntry(msg.Values)
	if err != nil {
		return nil, err
	}
	if env.Type != string(EventTypeSearchCompleted) {
		return nil, nil
	}

	var payload SearchCompletedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("payload has no job id")
	}
	return &payload, nil
}
