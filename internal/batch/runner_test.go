package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/maltedev/visual-search-scraper/internal/matcher"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/queue"
	"github.com/maltedev/visual-search-scraper/internal/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSearcher struct {
	mock.Mock
}

func (m *MockSearcher) Search(ctx context.Context, req models.SearchRequest) (*scraper.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scraper.Outcome), args.Error(1)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) SubmitCandidates(ctx context.Context, sub matcher.Submission) (*matcher.Ack, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*matcher.Ack), args.Error(1)
}

type countingPacer struct {
	waits  int
	errors []error
}

func (p *countingPacer) Wait(ctx context.Context) error { p.waits++; return ctx.Err() }
func (p *countingPacer) Done(err error)                 { p.errors = append(p.errors, err) }

func forImage(path string) interface{} {
	return mock.MatchedBy(func(req models.SearchRequest) bool { return req.ImagePath == path })
}

func readRecords(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func fill(t *testing.T, tasks ...*queue.Task) *queue.InMemoryQueue {
	t.Helper()
	q := queue.NewInMemoryQueue()
	require.NoError(t, queue.NewBatchQueue(q).PushBatch(tasks))
	return q
}

func TestRunnerProcessesEveryTask(t *testing.T) {
	ctx := context.Background()
	searcher := new(MockSearcher)
	sink := new(MockSink)
	pacer := &countingPacer{}

	hit := &scraper.Outcome{
		Results: []models.SearchResult{{Title: "超暴邪王 手办", Price: "¥28.50", CosScore: 0.9}},
		Crop:    scraper.CropOutcome{Status: scraper.CropApplied, Strategy: scraper.CropFullCanvas},
	}
	searcher.On("Search", ctx, forImage("/data/a.png")).Return(hit, nil)
	searcher.On("Search", ctx, forImage("/data/b.png")).Return(&scraper.Outcome{}, nil)
	searcher.On("Search", ctx, forImage("/data/c.png")).Return(nil, &scraper.SearchError{Phase: scraper.PhaseUpload, Err: scraper.ErrFileChooser})
	sink.On("SubmitCandidates", ctx, mock.MatchedBy(func(sub matcher.Submission) bool {
		return sub.JobID == "a" && len(sub.Results) == 1
	})).Return(&matcher.Ack{Accepted: 1}, nil)

	q := fill(t,
		&queue.Task{ID: "a", SKU: "3465848441", ImagePath: "/data/a.png"},
		&queue.Task{ID: "b", ImagePath: "/data/b.png"},
		&queue.Task{ID: "c", ImagePath: "/data/c.png"},
	)

	var buf bytes.Buffer
	summary, err := NewRunner(searcher, Options{Pacer: pacer, Sink: sink}, nil).Run(ctx, q, &buf)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 3, Succeeded: 1, Empty: 1, Failed: 1}, summary)
	assert.Equal(t, 3, pacer.waits)
	require.Len(t, pacer.errors, 3)
	assert.Error(t, pacer.errors[2])

	records := readRecords(t, &buf)
	require.Len(t, records, 3)
	assert.Equal(t, "3465848441", records[0].SKU)
	assert.Equal(t, 1, records[0].Count)
	assert.Equal(t, scraper.CropApplied, records[0].Crop.Status)
	assert.Equal(t, "completed", records[1].Status)
	assert.NotNil(t, records[1].Results)
	assert.Equal(t, "failed", records[2].Status)
	assert.Contains(t, records[2].Error, "file chooser")

	searcher.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestRunnerRetriesFailedTasks(t *testing.T) {
	ctx := context.Background()
	searcher := new(MockSearcher)

	searcher.On("Search", ctx, forImage("/data/flaky.png")).Return(nil, errors.New("navigation timeout")).Once()
	searcher.On("Search", ctx, forImage("/data/other.png")).Return(&scraper.Outcome{}, nil).Once()
	searcher.On("Search", ctx, forImage("/data/flaky.png")).Return(&scraper.Outcome{}, nil).Once()

	q := fill(t,
		&queue.Task{ID: "flaky", ImagePath: "/data/flaky.png"},
		&queue.Task{ID: "other", ImagePath: "/data/other.png"},
	)

	var buf bytes.Buffer
	summary, err := NewRunner(searcher, Options{MaxRetries: 1}, nil).Run(ctx, q, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Zero(t, summary.Failed)

	records := readRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "other", records[0].TaskID)
	assert.Equal(t, "flaky", records[1].TaskID)
	assert.Equal(t, 2, records[1].Attempts)
	searcher.AssertExpectations(t)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := new(MockSearcher)
	searcher.On("Search", ctx, mock.Anything).Run(func(mock.Arguments) { cancel() }).
		Return(nil, &scraper.SearchError{Phase: scraper.PhaseGate, Err: context.Canceled}).Once()

	q := fill(t,
		&queue.Task{ID: "a", ImagePath: "/data/a.png"},
		&queue.Task{ID: "b", ImagePath: "/data/b.png"},
	)

	var buf bytes.Buffer
	_, err := NewRunner(searcher, Options{MaxRetries: 3}, nil).Run(ctx, q, &buf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
	searcher.AssertExpectations(t)
}
