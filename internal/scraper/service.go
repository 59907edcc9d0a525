package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/playwright-community/playwright-go"
)

// PageSource lends out the long-lived home page, one search at a time.
type PageSource interface {
	Acquire(ctx context.Context) (playwright.Page, func(), error)
}

// Service runs searches on pages borrowed from a PageSource. It is what the
// HTTP handlers and the job worker call.
type Service struct {
	pages    PageSource
	searcher Searcher
	logger   *slog.Logger
}

func NewService(pages PageSource, searcher Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pages:    pages,
		searcher: searcher,
		logger:   logger.With("component", "search_service"),
	}
}

func (s *Service) Search(ctx context.Context, req models.SearchRequest) (*Outcome, error) {
	start := time.Now()

	home, release, err := s.pages.Acquire(ctx)
	if err != nil {
		return nil, fail(PhaseNavigate, fmt.Errorf("failed to acquire home page: %w", err))
	}
	defer release()

	outcome, err := s.searcher.SearchByImage(ctx, home, req)
	if err != nil {
		s.logger.Error("visual search failed", "image", req.ImagePath, "error", err, "duration", time.Since(start))
		return nil, err
	}

	s.logger.Info("visual search finished",
		"image", req.ImagePath,
		"results", len(outcome.Results),
		"crop", outcome.Crop.Status,
		"duration", time.Since(start))
	return outcome, nil
}
