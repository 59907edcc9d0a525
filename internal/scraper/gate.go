package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

type GateState int

const (
	GateSafe GateState = iota
	GateChallenge
	GateBlocked
)

func (s GateState) String() string {
	switch s {
	case GateSafe:
		return "SAFE"
	case GateChallenge:
		return "CHALLENGE"
	default:
		return "BLOCKED_UNRECOVERABLE"
	}
}

const (
	ReasonAuthURL        = "auth-url"
	ReasonSecurityURL    = "security-url"
	ReasonSlider         = "slider"
	ReasonControlMissing = "upload-control-missing"
)

// GateVerdict is one classification of the page.
type GateVerdict struct {
	State  GateState
	Reason string
	Err    error
}

// humanRequired reports whether the verdict is a challenge only a person can
// clear.
func (v GateVerdict) humanRequired() bool {
	return v.State == GateChallenge && v.Reason != ReasonControlMissing
}

// Probe is the slice of a page the gate looks at.
type Probe interface {
	URL() string
	Count(selector string) (int, error)
	Visible(selector string) (bool, error)
}

type GateDetector struct {
	authMarkers     []string
	securityMarkers []string
	domMarkers      []string
	uploadTrigger   string
}

func NewGateDetector(uploadTrigger string) *GateDetector {
	return &GateDetector{
		authMarkers:     []string{"login", "pass"},
		securityMarkers: []string{"sec.", "punish"},
		domMarkers: []string{
			".nc-container",
			"#baxia-dialog-content",
			"#nc_1_n1z",
			`iframe[src*="punish"]`,
		},
		uploadTrigger: uploadTrigger,
	}
}

// Classify returns SAFE only when the URL and DOM carry no challenge markers
// and the upload trigger is visible.
func (g *GateDetector) Classify(p Probe) GateVerdict {
	current := strings.ToLower(p.URL())

	for _, m := range g.authMarkers {
		if strings.Contains(current, m) {
			return GateVerdict{State: GateChallenge, Reason: ReasonAuthURL}
		}
	}
	for _, m := range g.securityMarkers {
		if strings.Contains(current, m) {
			return GateVerdict{State: GateChallenge, Reason: ReasonSecurityURL}
		}
	}

	for _, sel := range g.domMarkers {
		n, err := p.Count(sel)
		if err != nil {
			return GateVerdict{State: GateBlocked, Err: err}
		}
		if n > 0 {
			return GateVerdict{State: GateChallenge, Reason: ReasonSlider}
		}
	}

	visible, err := p.Visible(g.uploadTrigger)
	if err != nil {
		return GateVerdict{State: GateBlocked, Err: err}
	}
	if !visible {
		return GateVerdict{State: GateChallenge, Reason: ReasonControlMissing}
	}

	return GateVerdict{State: GateSafe}
}

// gateWatcher suspends until the page is SAFE. A human challenge is waited on
// without limit; a page that is merely missing its upload control gets
// controlBudget consecutive polls before ErrUploadControlMissing.
type gateWatcher struct {
	detector      *GateDetector
	poller        *wait.Poller
	policy        wait.Policy
	controlBudget int
	logger        *slog.Logger
}

// await returns true when a human challenge was seen and cleared.
func (w *gateWatcher) await(ctx context.Context, p Probe) (bool, error) {
	var (
		challenged bool
		inHuman    bool
		missing    int
	)

	_, err := w.poller.Until(ctx, w.policy, func(attempt int) (bool, error) {
		v := w.detector.Classify(p)

		switch {
		case v.State == GateSafe:
			if challenged {
				w.logger.Info("challenge cleared, resuming", "url", p.URL(), "polls", attempt)
			}
			return true, nil

		case v.State == GateBlocked:
			return false, fmt.Errorf("%w: %w", ErrGateBlocked, v.Err)

		case v.humanRequired():
			missing = 0
			if !inHuman {
				w.logger.Warn("anti-bot challenge detected, solve it in the browser window to continue",
					"reason", v.Reason, "url", p.URL())
			}
			inHuman, challenged = true, true
			return false, nil
		}

		inHuman = false
		missing++
		if missing >= w.controlBudget {
			return false, ErrUploadControlMissing
		}
		return false, nil
	})

	if err != nil && errors.Is(err, wait.ErrExhausted) {
		return challenged, ErrUploadControlMissing
	}
	return challenged, err
}

type pageProbe struct {
	page playwright.Page
}

func (p pageProbe) URL() string {
	return p.page.URL()
}

func (p pageProbe) Count(selector string) (int, error) {
	return p.page.Locator(selector).Count()
}

func (p pageProbe) Visible(selector string) (bool, error) {
	return p.page.Locator(selector).First().IsVisible()
}
