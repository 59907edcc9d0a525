package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stream entry fields written by the relay.
const (
	FieldData        = "data"
	FieldEventType   = "event_type"
	FieldAggregateID = "aggregate_id"
)

var ErrMalformedEntry = errors.New("malformed stream entry")

// StreamEnvelope is the JSON document stored under FieldData. Consumers
// decode it with DecodeStreamEntry.
type StreamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
}

// StreamValues builds the XADD field set for event. The event type and
// aggregate id are duplicated as plain fields so consumers can filter
// without decoding the envelope.
func StreamValues(event *OutboxEvent) (map[string]interface{}, error) {
	if !json.Valid(event.Payload) {
		return nil, fmt.Errorf("%w: payload of %s is not valid JSON", ErrInvalidEvent, event.ID)
	}

	data, err := json.Marshal(StreamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC(),
		Attempt:       event.RetryCount + 1,
		Payload:       event.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream envelope: %w", err)
	}

	return map[string]interface{}{
		FieldData:        string(data),
		FieldEventType:   event.EventType,
		FieldAggregateID: event.AggregateID,
	}, nil
}

// DecodeStreamEntry reverses StreamValues.
func DecodeStreamEntry(values map[string]interface{}) (*StreamEnvelope, error) {
	data, ok := values[FieldData].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s field", ErrMalformedEntry, FieldData)
	}

	var env StreamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEntry, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: envelope has no type", ErrMalformedEntry)
	}
	return &env, nil
}
