package browser

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/playwright-community/playwright-go"
)

const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExecutablePath string
	UserDataDir    string
	ExtraArgs      []string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       false,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.8",
		TimezoneID:     "Asia/Shanghai",
		Locale:         "zh-CN",
		UserDataDir:    "./1688_profile",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// OptionsFromConfig fills empty config values from the defaults.
func OptionsFromConfig(cfg config.BrowserConfig) *Options {
	opts := DefaultOptions()
	opts.Headless = cfg.Headless
	opts.UserDataDir = cfg.UserDataDir
	opts.ExecutablePath = cfg.ExecutablePath
	opts.ProxyServer = cfg.ProxyServer
	opts.ExtraArgs = cfg.ExtraArgs

	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts.ViewportWidth = cfg.ViewportWidth
		opts.ViewportHeight = cfg.ViewportHeight
	}
	if cfg.AcceptLanguage != "" {
		opts.AcceptLanguage = cfg.AcceptLanguage
		opts.ExtraHeaders["Accept-Language"] = cfg.AcceptLanguage
	}
	if cfg.TimezoneID != "" {
		opts.TimezoneID = cfg.TimezoneID
	}
	if cfg.Locale != "" {
		opts.Locale = cfg.Locale
	}
	return opts
}

func (o *Options) launchArgs() []string {
	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-infobars",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		fmt.Sprintf("--window-size=%d,%d", o.ViewportWidth, o.ViewportHeight),
		"--start-maximized",
		"--user-agent=" + o.UserAgent,
	}
	return append(args, o.ExtraArgs...)
}

func (o *Options) proxy() *playwright.Proxy {
	if o.ProxyServer == "" {
		return nil
	}
	return &playwright.Proxy{Server: o.ProxyServer}
}

func (o *Options) viewport() *playwright.Size {
	return &playwright.Size{Width: o.ViewportWidth, Height: o.ViewportHeight}
}

// New starts Chromium. With a user data dir the context is persistent, so
// the site's login cookies survive restarts and challenges are rarer.
func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b := &Browser{
		pw:     pw,
		opts:   opts,
		logger: slog.Default().With("component", "browser"),
	}

	if opts.UserDataDir != "" {
		err = b.launchPersistent()
	} else {
		err = b.launchEphemeral()
	}
	if err != nil {
		pw.Stop()
		return nil, err
	}

	if err := b.context.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}
	b.context.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	b.logger.Info("browser started",
		"headless", opts.Headless,
		"persistent", opts.UserDataDir != "",
		"locale", opts.Locale,
	)
	return b, nil
}

func (b *Browser) launchPersistent() error {
	o := b.opts
	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(o.Headless),
		Args:              o.launchArgs(),
		Proxy:             o.proxy(),
		UserAgent:         playwright.String(o.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(o.Locale),
		TimezoneId:        playwright.String(o.TimezoneID),
		Viewport:          o.viewport(),
		ExtraHttpHeaders:  o.ExtraHeaders,
	}
	if o.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(o.ExecutablePath)
	}

	ctx, err := b.pw.Chromium.LaunchPersistentContext(o.UserDataDir, launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch persistent context: %w", err)
	}
	b.context = ctx
	return nil
}

func (b *Browser) launchEphemeral() error {
	o := b.opts
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(o.Headless),
		Args:     o.launchArgs(),
		Proxy:    o.proxy(),
	}
	if o.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(o.ExecutablePath)
	}

	browser, err := b.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	ctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(o.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(o.Locale),
		TimezoneId:        playwright.String(o.TimezoneID),
		Viewport:          o.viewport(),
		ExtraHttpHeaders:  o.ExtraHeaders,
	})
	if err != nil {
		browser.Close()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	b.browser = browser
	b.context = ctx
	return nil
}

func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return page, nil
}

func (b *Browser) Context() playwright.BrowserContext {
	return b.context
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

func (b *Browser) NavigateWithRetry(page playwright.Page, url string, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			time.Sleep(time.Duration(i+1) * time.Second)
		}

		if page.IsClosed() {
			return fmt.Errorf("page closed before navigating to %s", url)
		}

		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds()) * 2),
		})
		if err == nil {
			return nil
		}

		lastErr = err
		b.logger.Error("navigation failed", "error", err, "attempt", i+1)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// HumanizeInteraction wanders the pointer and nudges the scroll position so
// a freshly opened page does not look scripted.
func (b *Browser) HumanizeInteraction(page playwright.Page) error {
	mouse := page.Mouse()
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200 + rand.Intn(40))
		y := float64(100 + i*150 + rand.Intn(40))
		if err := mouse.Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(10)}); err != nil {
			return fmt.Errorf("failed to move pointer: %w", err)
		}
		time.Sleep(time.Millisecond * time.Duration(200+i*100))
	}

	if _, err := page.Evaluate(`window.scrollBy(0, Math.random() * 300)`); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	time.Sleep(time.Second)

	if _, err := page.Evaluate(`window.scrollTo(0, 0)`); err != nil {
		return fmt.Errorf("failed to scroll back: %w", err)
	}
	return nil
}
