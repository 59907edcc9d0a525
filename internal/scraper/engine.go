package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/imagefile"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/parser"
	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

// Navigator loads a URL into a page, retrying transient failures.
type Navigator interface {
	NavigateWithRetry(page playwright.Page, url string, maxRetries int) error
}

// Searcher is the single operation the rest of the system consumes.
type Searcher interface {
	SearchByImage(ctx context.Context, home playwright.Page, req models.SearchRequest) (*Outcome, error)
}

// Engine runs visual searches on a page owned by the caller. It opens and
// closes its own transient result pages but never closes the home page.
type Engine struct {
	opts     Options
	controls Controls
	nav      Navigator
	parser   *parser.ListingParser
	gate     *GateDetector
	poller   *wait.Poller
	sleep    wait.Sleeper
	loader   *LazyLoader
	logger   *slog.Logger
}

func NewEngine(nav Navigator, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	controls := DefaultControls()
	poller := wait.New()

	return &Engine{
		opts:     opts,
		controls: controls,
		nav:      nav,
		parser:   parser.NewListingParser(),
		gate:     NewGateDetector(controls.UploadTrigger),
		poller:   poller,
		sleep:    poller.Sleep,
		loader:   NewLazyLoader(opts.Scroll, rand.New(rand.NewSource(time.Now().UnixNano())), poller.Sleep),
		logger:   logger.With("component", "visual_search"),
	}
}

// SearchByImage uploads the image on the site's visual search, optionally
// forces the crop back to the full image, and returns the ranked listings.
// Faults are returned as *SearchError; an empty result set is not a fault.
func (e *Engine) SearchByImage(ctx context.Context, home playwright.Page, req models.SearchRequest) (*Outcome, error) {
	start := time.Now()

	info, err := imagefile.Inspect(req.ImagePath)
	if err != nil {
		return nil, fail(PhaseValidate, fmt.Errorf("%w: %w", ErrInvalidImage, err))
	}
	if home == nil || home.IsClosed() {
		return nil, fail(PhaseNavigate, ErrHomePageClosed)
	}

	log := e.logger.With("image", info.AbsPath, "force_full_crop", req.ForceFullImageCrop)
	log.Info("starting visual search", "format", info.Format, "width", info.Width, "height", info.Height)

	browserCtx := home.Context()
	known := browserCtx.Pages()
	defer e.closeTransient(browserCtx, home, known)

	var surface playwright.Page
	outcome, err := e.run(ctx, home, known, info.AbsPath, req, &surface)
	if err != nil {
		target := surface
		if target == nil || target.IsClosed() {
			target = home
		}
		e.captureFault(target, err)
		log.Error("visual search failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	log.Info("visual search completed",
		"results", len(outcome.Results),
		"parsed", outcome.Parsed,
		"crop_status", outcome.Crop.Status,
		"surface", outcome.SurfaceSource,
		"duration", time.Since(start),
	)
	return outcome, nil
}

func (e *Engine) run(ctx context.Context, home playwright.Page, known []playwright.Page, absPath string, req models.SearchRequest, surface *playwright.Page) (*Outcome, error) {
	if e.needsLanding(home.URL()) {
		if err := e.nav.NavigateWithRetry(home, e.opts.LandingURL, e.opts.NavigateRetries); err != nil {
			return nil, fail(PhaseNavigate, err)
		}
	}

	watcher := &gateWatcher{
		detector:      e.gate,
		poller:        e.poller,
		policy:        wait.Unbounded(e.opts.GatePollInterval),
		controlBudget: wait.Attempts(e.opts.UploadControlTimeout, e.opts.GatePollInterval).MaxAttempts,
		logger:        e.logger,
	}
	challenged, err := watcher.await(ctx, pageProbe{page: home})
	if err != nil {
		return nil, fail(PhaseGate, err)
	}
	if challenged {
		if err := e.sleep(ctx, e.opts.GateSettle); err != nil {
			return nil, fail(PhaseGate, err)
		}
	}
	if err := e.sleep(ctx, e.opts.PreUploadPause); err != nil {
		return nil, fail(PhaseUpload, err)
	}

	if err := e.upload(ctx, home, absPath); err != nil {
		return nil, fail(PhaseUpload, err)
	}

	page, source, err := e.acquireSurface(ctx, home, known)
	if err != nil {
		return nil, fail(PhaseSurface, err)
	}
	*surface = page

	crop := CropOutcome{Status: CropNotRequested}
	if req.ForceFullImageCrop {
		crop = e.correctCrop(ctx, page)
		if crop.Degraded() {
			e.logger.Warn("crop correction skipped, extracting current results",
				"status", crop.Status, "reason", crop.Reason)
		}
		if err := ctx.Err(); err != nil {
			return nil, fail(PhaseCrop, err)
		}
	}

	scrolled, err := e.loader.Stimulate(ctx, pageScroller{page: page})
	if err != nil {
		return nil, fail(PhaseScroll, err)
	}
	e.logger.Debug("lazy load finished", "scrolled", scrolled)

	html, err := page.Content()
	if err != nil {
		return nil, fail(PhaseExtract, fmt.Errorf("%w: %w", ErrExtraction, err))
	}
	listings, err := e.parser.ParseListings(html)
	if err != nil {
		return nil, fail(PhaseExtract, fmt.Errorf("%w: %w", ErrExtraction, err))
	}

	results := parser.Rank(listings, parser.RankOptions{
		Keywords:   req.NormalizedKeywords(),
		ScoreFloor: e.opts.ScoreFloor,
	})

	return &Outcome{
		Results:       results,
		Crop:          crop,
		SurfaceURL:    page.URL(),
		SurfaceSource: source,
		Parsed:        len(listings),
	}, nil
}

// needsLanding reports whether the home page must be sent back to the landing
// surface before a search.
func (e *Engine) needsLanding(current string) bool {
	if current == "" || current == "about:blank" {
		return true
	}
	if isInPlaceResult(current) {
		return true
	}
	return !strings.Contains(current, e.opts.SiteHost)
}

// closeTransient closes every page opened since known was taken. The home
// page is never closed.
func (e *Engine) closeTransient(browserCtx playwright.BrowserContext, home playwright.Page, known []playwright.Page) {
	for _, p := range browserCtx.Pages() {
		if p == home || contains(known, p) || p.IsClosed() {
			continue
		}
		if err := p.Close(); err != nil {
			e.logger.Warn("failed to close result page", "url", p.URL(), "error", err)
		}
	}
}

func (e *Engine) captureFault(page playwright.Page, cause error) {
	if e.opts.DebugDir == "" || page == nil || page.IsClosed() {
		return
	}

	phase := "unknown"
	var se *SearchError
	if errors.As(cause, &se) {
		phase = string(se.Phase)
	}

	if err := os.MkdirAll(e.opts.DebugDir, 0o755); err != nil {
		e.logger.Warn("failed to create debug directory", "error", err)
		return
	}
	path := filepath.Join(e.opts.DebugDir, fmt.Sprintf("fault-%s-%d.png", phase, time.Now().UnixNano()))
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		e.logger.Warn("failed to capture fault screenshot", "error", err)
		return
	}
	e.logger.Info("fault screenshot saved", "path", path)
}
