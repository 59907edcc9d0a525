package scraper

import (
	"context"
	"errors"
	"strings"

	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

// inPlaceMarkers identify a results view reached by navigating the origin
// page rather than opening a new tab.
var inPlaceMarkers = []string{"image", "youyuan"}

type surfacePage interface {
	comparable
	URL() string
	IsClosed() bool
}

func isInPlaceResult(u string) bool {
	for _, m := range inPlaceMarkers {
		if strings.Contains(u, m) {
			return true
		}
	}
	return false
}

func contains[P comparable](pages []P, p P) bool {
	for _, q := range pages {
		if q == p {
			return true
		}
	}
	return false
}

// findNewPage returns the first open page that was not present in known,
// belongs to the site and is not sitting on the origin's address.
func findNewPage[P surfacePage](pages, known []P, host, originURL string) (P, bool) {
	var zero P
	for _, p := range pages {
		if contains(known, p) || p.IsClosed() {
			continue
		}
		u := p.URL()
		if strings.Contains(u, host) && u != originURL {
			return p, true
		}
	}
	return zero, false
}

// resolveSurface picks the results page: the captured new page first, then
// the most recently opened page among those the search opened, then the
// origin when it navigated in place. Pages in known predate the search and
// are never a surface.
func resolveSurface[P surfacePage](captured P, hasCaptured bool, pages, known []P, origin P) (P, SurfaceSource, error) {
	var zero P

	if hasCaptured && !captured.IsClosed() {
		return captured, SurfaceNewPage, nil
	}

	for i := len(pages) - 1; i >= 0; i-- {
		p := pages[i]
		if p == origin || contains(known, p) || p.IsClosed() {
			continue
		}
		return p, SurfaceLatestPage, nil
	}

	if !origin.IsClosed() && isInPlaceResult(origin.URL()) {
		return origin, SurfaceInPlace, nil
	}

	return zero, "", ErrSurfaceNotFound
}

// acquireSurface watches for the results page after the upload and prepares
// whichever page resolveSurface chooses.
func (e *Engine) acquireSurface(ctx context.Context, origin playwright.Page, known []playwright.Page) (playwright.Page, SurfaceSource, error) {
	originURL := origin.URL()

	var (
		captured    playwright.Page
		hasCaptured bool
	)

	_, err := e.poller.Until(ctx, wait.Attempts(e.opts.NewPageTimeout, e.opts.NewPageInterval), func(int) (bool, error) {
		if origin.IsClosed() {
			return false, ErrHomePageClosed
		}
		if p, ok := findNewPage(origin.Context().Pages(), known, e.opts.SiteHost, originURL); ok {
			captured, hasCaptured = p, true
			return true, nil
		}
		return isInPlaceResult(origin.URL()), nil
	})
	if err != nil && !errors.Is(err, wait.ErrExhausted) {
		return nil, "", err
	}

	page, source, err := resolveSurface(captured, hasCaptured, origin.Context().Pages(), known, origin)
	if err != nil {
		return nil, "", err
	}

	e.logger.Info("result surface acquired", "source", source, "url", page.URL())

	if err := page.BringToFront(); err != nil {
		e.logger.Debug("failed to bring result page to front", "error", err)
	}
	e.settle(page)

	return page, source, nil
}

// settle waits for network idle and the results container. Both waits are
// best effort; extraction proceeds with whatever DOM is present.
func (e *Engine) settle(page playwright.Page) {
	if err := page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(ms(e.opts.NetworkIdleTimeout)),
	}); err != nil {
		e.logger.Debug("network did not go idle", "error", err)
	}

	if err := page.Locator(e.parser.CardSelector()).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(ms(e.opts.ResultsTimeout)),
	}); err != nil {
		e.logger.Debug("results container did not appear", "error", err)
	}
}
