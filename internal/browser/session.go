package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/sync/semaphore"
)

var ErrSessionClosed = errors.New("browser session is closed")

// Driver is what a Session needs from the browser.
type Driver interface {
	NewPage() (playwright.Page, error)
	NavigateWithRetry(page playwright.Page, url string, maxRetries int) error
	HumanizeInteraction(page playwright.Page) error
}

// Session owns the long-lived home page on the target site. Searches borrow
// it through Acquire, one at a time; a stale or closed home page is replaced
// on the next Acquire.
type Session struct {
	driver     Driver
	landingURL string
	siteHost   string
	retries    int

	sem    *semaphore.Weighted
	mu     sync.Mutex
	home   playwright.Page
	closed bool
	logger *slog.Logger
}

func NewSession(driver Driver, landingURL, siteHost string) *Session {
	return &Session{
		driver:     driver,
		landingURL: landingURL,
		siteHost:   siteHost,
		retries:    3,
		sem:        semaphore.NewWeighted(1),
		logger:     slog.Default().With("component", "session"),
	}
}

// Acquire blocks until no other search holds the session, then returns a
// healthy home page and the func that gives it back.
func (s *Session) Acquire(ctx context.Context) (playwright.Page, func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	release := func() { once.Do(func() { s.sem.Release(1) }) }

	page, err := s.ensureHome()
	if err != nil {
		release()
		return nil, nil, err
	}
	return page, release, nil
}

// Warm opens the home page ahead of the first search.
func (s *Session) Warm(ctx context.Context) error {
	_, release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

type Status struct {
	Open bool   `json:"open"`
	URL  string `json:"url,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.home == nil || s.home.IsClosed() {
		return Status{}
	}
	return Status{Open: true, URL: s.home.URL()}
}

// Close closes the home page. The browser itself belongs to the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.home != nil && !s.home.IsClosed() {
		if err := s.home.Close(); err != nil {
			return fmt.Errorf("failed to close home page: %w", err)
		}
	}
	s.home = nil
	return nil
}

// ensureHome runs under the semaphore. s.mu only guards reads and swaps of
// s.home so Status never waits on a navigation.
func (s *Session) ensureHome() (playwright.Page, error) {
	s.mu.Lock()
	closed, home := s.closed, s.home
	s.mu.Unlock()

	if closed {
		return nil, ErrSessionClosed
	}

	if home != nil {
		if s.healthy(home) {
			return home, nil
		}
		s.logger.Warn("home page is stale, replacing it", "closed", home.IsClosed())
		s.swapHome(home, nil)
		if !home.IsClosed() {
			_ = home.Close()
		}
	}

	page, err := s.driver.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open home page: %w", err)
	}
	if err := s.driver.NavigateWithRetry(page, s.landingURL, s.retries); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("failed to open landing page: %w", err)
	}
	if err := s.driver.HumanizeInteraction(page); err != nil {
		s.logger.Debug("humanize interaction failed", "error", err)
	}

	if !s.swapHome(nil, page) {
		_ = page.Close()
		return nil, ErrSessionClosed
	}
	s.logger.Info("home page ready", "url", page.URL())
	return page, nil
}

// swapHome replaces old with next unless the session was closed meanwhile.
func (s *Session) swapHome(old, next playwright.Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.home == old {
		s.home = next
	}
	return true
}

// healthy reports whether the page is open, responsive and still on the site.
func (s *Session) healthy(page playwright.Page) bool {
	if page.IsClosed() {
		return false
	}
	if _, err := page.Evaluate("() => document.readyState"); err != nil {
		s.logger.Debug("home page did not respond", "error", err)
		return false
	}
	return strings.Contains(page.URL(), s.siteHost)
}
