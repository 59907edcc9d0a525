package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/visual-search-scraper/internal/browser"
	"github.com/maltedev/visual-search-scraper/internal/database"
	"github.com/maltedev/visual-search-scraper/internal/jobs"
	"github.com/maltedev/visual-search-scraper/internal/models"
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

type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) CreateJob(ctx context.Context, req models.SearchRequest) (*jobs.Job, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *MockJobStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *MockJobStore) ListJobs(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*jobs.Job), args.Error(1)
}

func (m *MockJobStore) GetStats(ctx context.Context) (*jobs.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Stats), args.Error(1)
}

type fakeSession struct {
	status browser.Status
}

func (f fakeSession) Status() browser.Status { return f.status }

type fakeOutbox struct {
	status database.OutboxStatus
	err    error
}

func (f fakeOutbox) Status(ctx context.Context) (database.OutboxStatus, error) {
	return f.status, f.err
}

func newRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSearchHandler(t *testing.T) {
	results := []models.SearchResult{
		{Title: "超暴邪王 手办", Price: "¥28.50", ItemURL: "https://detail.1688.com/offer/700001.html", CosScore: 0.91},
	}

	tests := []struct {
		name       string
		body       string
		outcome    *scraper.Outcome
		err        error
		wantStatus int
		wantOK     bool
		wantCrop   string
		wantError  string
	}{
		{
			name:       "ranked results with crop status",
			body:       `{"image_path":"/data/p.png","force_full_crop":true,"keywords":["手办"]}`,
			outcome:    &scraper.Outcome{Results: results, Crop: scraper.CropOutcome{Status: scraper.CropApplied, Strategy: scraper.CropFullCanvas}},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantCrop:   "applied",
		},
		{
			name:       "empty result set is still a success",
			body:       `{"image_path":"/data/p.png"}`,
			outcome:    &scraper.Outcome{Crop: scraper.CropOutcome{Status: scraper.CropNotRequested}},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantCrop:   "not-requested",
		},
		{
			name:       "missing image path",
			body:       `{"keywords":["手办"]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "image_path is required",
		},
		{
			name:       "malformed body",
			body:       `{"image_path":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "unreadable image",
			body:       `{"image_path":"/data/missing.png"}`,
			err:        &scraper.SearchError{Phase: scraper.PhaseValidate, Err: fmt.Errorf("%w: no such file", scraper.ErrInvalidImage)},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid source image",
		},
		{
			name:       "search fault is not masked",
			body:       `{"image_path":"/data/p.png"}`,
			err:        &scraper.SearchError{Phase: scraper.PhaseSurface, Err: scraper.ErrSurfaceNotFound},
			wantStatus: http.StatusInternalServerError,
			wantError:  "result surface not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := new(MockSearcher)
			if tt.outcome != nil || tt.err != nil {
				searcher.On("Search", mock.Anything, mock.AnythingOfType("models.SearchRequest")).Return(tt.outcome, tt.err)
			}

			h := NewHandlers(searcher, nil, nil, nil, slog.Default())
			rec := do(t, newRouter(h), http.MethodPost, "/api/v1/search", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decode[SearchResponse](t, rec)
			assert.Equal(t, tt.wantOK, resp.Success)
			if tt.wantOK {
				require.NotNil(t, resp.Crop)
				assert.Equal(t, tt.wantCrop, resp.Crop.Status)
				assert.NotNil(t, resp.Data)
				assert.Len(t, resp.Data, len(tt.outcome.Results))
			} else {
				assert.Contains(t, resp.Error, tt.wantError)
			}
			searcher.AssertExpectations(t)
		})
	}
}

func TestSearchHandlerPassesRequestThrough(t *testing.T) {
	searcher := new(MockSearcher)
	searcher.On("Search", mock.Anything, models.SearchRequest{
		ImagePath:          "/data/p.png",
		ForceFullImageCrop: true,
		Keywords:           []string{"手办", "限量"},
	}).Return(&scraper.Outcome{}, nil)

	h := NewHandlers(searcher, nil, nil, nil, nil)
	rec := do(t, newRouter(h), http.MethodPost, "/api/v1/search",
		`{"image_path":" /data/p.png ","force_full_crop":true,"keywords":["手办","限量"]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	searcher.AssertExpectations(t)
}

func TestJobHandlers(t *testing.T) {
	job := &jobs.Job{ID: "0b7f5c1e-3c1a-4c7e-9a39-1f3f1b0e8a11", ImagePath: "/data/p.png", Status: jobs.StatusPending}

	t.Run("create", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("CreateJob", mock.Anything, models.SearchRequest{ImagePath: "/data/p.png", Keywords: []string{"手办"}}).Return(job, nil)

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodPost, "/api/v1/jobs",
			`{"image_path":"/data/p.png","keywords":["手办"]}`)

		assert.Equal(t, http.StatusCreated, rec.Code)
		resp := decode[CreateJobResponse](t, rec)
		assert.Equal(t, job.ID, resp.JobID)
		assert.Equal(t, jobs.StatusPending, resp.Status)
	})

	t.Run("create without image", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("CreateJob", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: image_path is required", jobs.ErrInvalidRequest))

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodPost, "/api/v1/jobs", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("GetJob", mock.Anything, job.ID).Return(job, nil)

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodGet, "/api/v1/jobs/"+job.ID, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		got := decode[jobs.Job](t, rec)
		assert.Equal(t, job.ImagePath, got.ImagePath)
	})

	t.Run("get unknown", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("GetJob", mock.Anything, "nope").Return(nil, jobs.ErrJobNotFound)

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodGet, "/api/v1/jobs/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("get store failure", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("GetJob", mock.Anything, job.ID).Return(nil, errors.New("conn refused"))

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodGet, "/api/v1/jobs/"+job.ID, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("list with filter", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("ListJobs", mock.Anything, jobs.ListOptions{Status: "failed", Limit: 20}).Return([]*jobs.Job{job}, nil)

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodGet, "/api/v1/jobs?status=failed&limit=20", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]jobs.Job](t, rec), 1)
		store.AssertExpectations(t)
	})

	t.Run("list with bad limit", func(t *testing.T) {
		rec := do(t, newRouter(NewHandlers(nil, new(MockJobStore), nil, nil, nil)), http.MethodGet, "/api/v1/jobs?limit=lots", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		store := new(MockJobStore)
		store.On("GetStats", mock.Anything).Return(&jobs.Stats{TotalJobs: 4, CompletedJobs: 3, FailedJobs: 1, SuccessRate: 75}, nil)

		rec := do(t, newRouter(NewHandlers(nil, store, nil, nil, nil)), http.MethodGet, "/api/v1/stats", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 75.0, decode[jobs.Stats](t, rec).SuccessRate)
	})

	t.Run("queue disabled", func(t *testing.T) {
		rec := do(t, newRouter(NewHandlers(nil, nil, nil, nil, nil)), http.MethodGet, "/api/v1/stats", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	open := fakeSession{status: browser.Status{Open: true, URL: "https://www.1688.com/"}}

	tests := []struct {
		name       string
		session    SessionReporter
		outbox     OutboxReporter
		wantCode   int
		wantStatus string
	}{
		{"healthy", open, fakeOutbox{status: database.OutboxStatus{Pending: 3}}, http.StatusOK, "ok"},
		{"no session page", fakeSession{}, fakeOutbox{}, http.StatusOK, "warning"},
		{"pending backlog", open, fakeOutbox{status: database.OutboxStatus{Pending: 1500}}, http.StatusOK, "warning"},
		{"dead letters", open, fakeOutbox{status: database.OutboxStatus{Pending: 1500, DeadLetter: 101}}, http.StatusServiceUnavailable, "error"},
		{"outbox unreachable", open, fakeOutbox{err: errors.New("conn refused")}, http.StatusServiceUnavailable, "error"},
		{"no database", open, nil, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(nil, nil, tt.session, tt.outbox, nil)
			rec := do(t, newRouter(h), http.MethodGet, "/health", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, decode[HealthResponse](t, rec).Status)
		})
	}
}
