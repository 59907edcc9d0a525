package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTxRunner hands fn a nil transaction; the mocked outbox never uses it.
type fakeTxRunner struct {
	beginErr  error
	committed int
	rolled    int
}

func (f *fakeTxRunner) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	if err := fn(nil); err != nil {
		f.rolled++
		return err
	}
	f.committed++
	return nil
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	args := m.Called(ctx, tx, event)
	return args.Error(0)
}

func newTestPublisher(db TxRunner, outbox OutboxWriter) *Publisher {
	return &Publisher{
		db:     db,
		outbox: outbox,
		stream: "stream:visual_search",
		logger: slog.Default(),
	}
}

func TestPublisher_PublishSearchCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("successfully publish to outbox", func(t *testing.T) {
		db := &fakeTxRunner{}
		outbox := new(MockOutboxRepository)
		publisher := newTestPublisher(db, outbox)

		payload := &SearchCompletedPayload{
			JobID:     "7c6b1f0e-5d2a-4b4f-9a53-0a1c2d3e4f50",
			ImagePath: "/data/product.png",
			Keywords:  []string{"手办"},
			Status:    "completed",
			Results: []models.SearchResult{
				{Title: "超暴邪王 手办", Price: "¥28.50", ItemURL: "https://detail.1688.com/offer/700001.html", CosScore: 0.91},
				{Title: "手办 摆件", Price: "¥15.00", ItemURL: "https://detail.1688.com/offer/700003.html", CosScore: 0.64},
			},
			CropStatus: "applied",
		}

		outbox.On("InsertWithTx", ctx, mock.Anything, mock.MatchedBy(func(event *database.OutboxEvent) bool {
			assert.Equal(t, "search_job", event.AggregateType)
			assert.Equal(t, payload.JobID, event.AggregateID)
			assert.Equal(t, "VISUAL_SEARCH_COMPLETED", event.EventType)
			assert.Equal(t, "stream:visual_search", event.TargetStream)

			var p SearchCompletedPayload
			assert.NoError(t, json.Unmarshal(event.Payload, &p))
			assert.Equal(t, 2, p.ResultCount)
			assert.Equal(t, "超暴邪王 手办", p.Results[0].Title)
			assert.NotEmpty(t, p.EventID)
			assert.Equal(t, "visual-search", p.Source)
			return true
		})).Return(nil)

		require.NoError(t, publisher.PublishSearchCompleted(ctx, payload))
		assert.Equal(t, 1, db.committed)
		outbox.AssertExpectations(t)
	})

	t.Run("failed job carries no results", func(t *testing.T) {
		outbox := new(MockOutboxRepository)
		publisher := newTestPublisher(&fakeTxRunner{}, outbox)

		outbox.On("InsertWithTx", ctx, mock.Anything, mock.MatchedBy(func(event *database.OutboxEvent) bool {
			var raw map[string]interface{}
			assert.NoError(t, json.Unmarshal(event.Payload, &raw))
			assert.Equal(t, []interface{}{}, raw["results"])
			assert.Equal(t, "gate: upload control never appeared", raw["error"])
			return true
		})).Return(nil)

		err := publisher.PublishSearchCompleted(ctx, &SearchCompletedPayload{
			JobID:  "job-2",
			Status: "failed",
			Error:  "gate: upload control never appeared",
		})
		require.NoError(t, err)
		outbox.AssertExpectations(t)
	})

	t.Run("rollback on outbox insert failure", func(t *testing.T) {
		db := &fakeTxRunner{}
		outbox := new(MockOutboxRepository)
		publisher := newTestPublisher(db, outbox)

		outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(assert.AnError)

		err := publisher.PublishSearchCompleted(ctx, &SearchCompletedPayload{JobID: "job-3"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert outbox event")
		assert.Equal(t, 1, db.rolled)
		assert.Zero(t, db.committed)
	})

	t.Run("handle transaction begin failure", func(t *testing.T) {
		outbox := new(MockOutboxRepository)
		publisher := newTestPublisher(&fakeTxRunner{beginErr: errors.New("failed to begin transaction: connection refused")}, outbox)

		err := publisher.PublishSearchCompleted(ctx, &SearchCompletedPayload{JobID: "job-4"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
		outbox.AssertNotCalled(t, "InsertWithTx", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("set default values", func(t *testing.T) {
		outbox := new(MockOutboxRepository)
		publisher := newTestPublisher(&fakeTxRunner{}, outbox)
		outbox.On("InsertWithTx", ctx, mock.Anything, mock.Anything).Return(nil)

		payload := &SearchCompletedPayload{JobID: "job-5"}
		require.NoError(t, publisher.PublishSearchCompleted(ctx, payload))

		assert.NotEmpty(t, payload.EventID)
		assert.Equal(t, "VISUAL_SEARCH_COMPLETED", payload.EventType)
		assert.False(t, payload.Timestamp.IsZero())
		assert.NotNil(t, payload.Results)
	})
}
