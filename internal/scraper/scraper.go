package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/maltedev/visual-search-scraper/internal/parser"
)

var (
	ErrInvalidImage         = errors.New("invalid source image")
	ErrHomePageClosed       = errors.New("home page is closed")
	ErrGateBlocked          = errors.New("gate check failed")
	ErrUploadControlMissing = errors.New("upload control never became visible")
	ErrFileChooser          = errors.New("file chooser did not open")
	ErrSurfaceNotFound      = errors.New("result surface not found")
	ErrExtraction           = errors.New("failed to extract listings")
)

type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseNavigate Phase = "navigate"
	PhaseGate     Phase = "gate"
	PhaseUpload   Phase = "upload"
	PhaseSurface  Phase = "surface"
	PhaseCrop     Phase = "crop"
	PhaseScroll   Phase = "scroll"
	PhaseExtract  Phase = "extract"
)

// SearchError is the typed failure of one visual search. It records which
// phase failed and keeps the underlying cause reachable through errors.Is/As.
type SearchError struct {
	Phase Phase
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("visual search failed during %s: %v", e.Phase, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

func fail(phase Phase, err error) error {
	return &SearchError{Phase: phase, Err: err}
}

type CropStrategy string

const (
	// CropFullCanvas drags both corner handles to the canvas extremes. The
	// auto-crop mask is used to locate the handles when present.
	CropFullCanvas CropStrategy = "full-canvas"
	// CropHandleToHandle requires the auto-crop mask and is skipped without it.
	CropHandleToHandle CropStrategy = "handle-to-handle"
)

type CropStatus string

const (
	CropNotRequested          CropStatus = "not-requested"
	CropApplied               CropStatus = "applied"
	CropSkippedMissingElement CropStatus = "skipped-missing-element"
	CropSkippedTimeout        CropStatus = "skipped-timeout"
	CropSkippedException      CropStatus = "skipped-exception"
)

// CropOutcome tells the caller whether full-image correction was honored.
type CropOutcome struct {
	Status   CropStatus   `json:"status"`
	Strategy CropStrategy `json:"strategy,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

func (c CropOutcome) Degraded() bool {
	return c.Status != CropNotRequested && c.Status != CropApplied
}

type SurfaceSource string

const (
	SurfaceNewPage    SurfaceSource = "new-page"
	SurfaceLatestPage SurfaceSource = "latest-page"
	SurfaceInPlace    SurfaceSource = "in-place"
)

// Outcome is the result of a successful search. An empty Results slice is a
// valid answer, not a failure.
type Outcome struct {
	Results       []models.SearchResult `json:"results"`
	Crop          CropOutcome           `json:"crop"`
	SurfaceURL    string                `json:"surface_url"`
	SurfaceSource SurfaceSource         `json:"surface_source"`
	Parsed        int                   `json:"parsed"`
}

type Options struct {
	LandingURL      string
	SiteHost        string
	NavigateRetries int

	GatePollInterval     time.Duration
	GateSettle           time.Duration
	UploadControlTimeout time.Duration
	PreUploadPause       time.Duration
	FileChooserTimeout   time.Duration
	ConfirmAttempts      int
	ConfirmInterval      time.Duration

	NewPageTimeout     time.Duration
	NewPageInterval    time.Duration
	NetworkIdleTimeout time.Duration
	ResultsTimeout     time.Duration

	CropStrategy       CropStrategy
	CropControlTimeout time.Duration
	CanvasTimeout      time.Duration
	CanvasFallback     time.Duration
	CanvasSettle       time.Duration
	MinCanvasWidth     float64
	HandleInset        float64
	DragSteps          int
	DragHold           time.Duration
	CornerPause        time.Duration

	Scroll ScrollOptions

	ScoreFloor float64
	DebugDir   string
}

func DefaultOptions() Options {
	return Options{
		LandingURL:      "https://www.1688.com/",
		SiteHost:        "1688.com",
		NavigateRetries: 3,

		GatePollInterval:     time.Second,
		GateSettle:           3 * time.Second,
		UploadControlTimeout: 30 * time.Second,
		PreUploadPause:       2 * time.Second,
		FileChooserTimeout:   15 * time.Second,
		ConfirmAttempts:      15,
		ConfirmInterval:      time.Second,

		NewPageTimeout:     30 * time.Second,
		NewPageInterval:    500 * time.Millisecond,
		NetworkIdleTimeout: 15 * time.Second,
		ResultsTimeout:     15 * time.Second,

		CropStrategy:       CropFullCanvas,
		CropControlTimeout: 15 * time.Second,
		CanvasTimeout:      5 * time.Second,
		CanvasFallback:     10 * time.Second,
		CanvasSettle:       1500 * time.Millisecond,
		MinCanvasWidth:     50,
		HandleInset:        5,
		DragSteps:          20,
		DragHold:           200 * time.Millisecond,
		CornerPause:        500 * time.Millisecond,

		Scroll: DefaultScrollOptions(),

		ScoreFloor: parser.DefaultScoreFloor,
	}
}

// OptionsFromConfig overlays the configured search budget on the defaults.
func OptionsFromConfig(cfg config.SearchConfig) Options {
	opts := DefaultOptions()

	if cfg.LandingURL != "" {
		opts.LandingURL = cfg.LandingURL
		if host := siteHost(cfg.LandingURL); host != "" {
			opts.SiteHost = host
		}
	}
	if cfg.GatePollInterval > 0 {
		opts.GatePollInterval = cfg.GatePollInterval
	}
	if cfg.UploadControlTimeout > 0 {
		opts.UploadControlTimeout = cfg.UploadControlTimeout
	}
	if cfg.FileChooserTimeout > 0 {
		opts.FileChooserTimeout = cfg.FileChooserTimeout
	}
	if cfg.ConfirmAttempts > 0 {
		opts.ConfirmAttempts = cfg.ConfirmAttempts
	}
	if cfg.ConfirmInterval > 0 {
		opts.ConfirmInterval = cfg.ConfirmInterval
	}
	if cfg.NewPageTimeout > 0 {
		opts.NewPageTimeout = cfg.NewPageTimeout
	}
	if cfg.NetworkIdleTimeout > 0 {
		opts.NetworkIdleTimeout = cfg.NetworkIdleTimeout
	}
	if cfg.ResultsTimeout > 0 {
		opts.ResultsTimeout = cfg.ResultsTimeout
	}
	if cfg.CropControlTimeout > 0 {
		opts.CropControlTimeout = cfg.CropControlTimeout
	}
	if cfg.CropStrategy != "" {
		opts.CropStrategy = CropStrategy(cfg.CropStrategy)
	}
	if cfg.ScrollCap > 0 {
		opts.Scroll.Cap = cfg.ScrollCap
	}
	opts.ScoreFloor = cfg.ScoreFloor
	opts.DebugDir = cfg.DebugDir

	return opts
}

// siteHost reduces a landing URL to its registrable host, so that
// "https://www.1688.com/" matches "s.1688.com" and "detail.1688.com".
func siteHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
