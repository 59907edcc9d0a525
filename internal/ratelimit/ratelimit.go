package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/config"
	"github.com/maltedev/visual-search-scraper/internal/wait"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	Mark()
	SetDelay(min, max time.Duration)
}

// SimpleRateLimiter keeps a jittered gap between the end of one action and
// the start of the next.
type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool

	rng   *rand.Rand
	now   func() time.Time
	sleep wait.Sleeper
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		sleep:    wait.Sleep,
	}
}

// Wait blocks until the gap since the last Mark has passed. Without a prior
// Mark it returns immediately.
func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastAction.IsZero() {
		return ctx.Err()
	}

	elapsed := r.now().Sub(r.lastAction)
	delay := r.calculateDelay()

	if elapsed < delay {
		return r.sleep(ctx, delay-elapsed)
	}
	return ctx.Err()
}

func (r *SimpleRateLimiter) Mark() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAction = r.now()
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.minDelay = min
	r.maxDelay = max
}

func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}
	return wait.RandomDuration(r.rng, r.minDelay, r.maxDelay)
}

// AdaptiveRateLimiter stretches the gap after repeated failures and eases it
// back after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	baseMin       time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		baseMin:           minDelay,
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.baseMin {
			newMin = a.baseMin
		}
		a.minDelay = newMin
		if a.maxDelay < a.minDelay {
			a.maxDelay = a.minDelay
		}
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// BreakScheduler calls for a long break after every N jobs, with N drawn
// again from [everyMin, everyMax] after each break.
type BreakScheduler struct {
	everyMin int
	everyMax int
	breakMin time.Duration
	breakMax time.Duration

	mu   sync.Mutex
	done int
	next int
	rng  *rand.Rand
}

func NewBreakScheduler(everyMin, everyMax int, breakMin, breakMax time.Duration) *BreakScheduler {
	b := &BreakScheduler{
		everyMin: everyMin,
		everyMax: everyMax,
		breakMin: breakMin,
		breakMax: breakMax,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.next = wait.RandomInt(b.rng, everyMin, everyMax)
	return b
}

// Tick records a finished job.
func (b *BreakScheduler) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
}

// Due reports whether enough jobs have finished for a break.
func (b *BreakScheduler) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next > 0 && b.done >= b.next
}

// Begin starts a break when one is due, resetting the count and drawing the
// next interval. It returns the break length.
func (b *BreakScheduler) Begin() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next <= 0 || b.done < b.next {
		return 0, false
	}
	d := wait.RandomDuration(b.rng, b.breakMin, b.breakMax)
	b.done = 0
	b.next = wait.RandomInt(b.rng, b.everyMin, b.everyMax)
	return d, true
}

// Pacer spaces jobs the way a person working through a list would: a short
// jittered pause after every job and a long break every so often.
type Pacer struct {
	limiter RateLimiter
	breaks  *BreakScheduler
	sleep   wait.Sleeper
	logger  *slog.Logger
}

func NewPacer(limiter RateLimiter, breaks *BreakScheduler, logger *slog.Logger) *Pacer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pacer{
		limiter: limiter,
		breaks:  breaks,
		sleep:   wait.Sleep,
		logger:  logger.With("component", "pacer"),
	}
}

// PacerFromConfig builds the adaptive pacer used by the job worker and the
// batch runner.
func PacerFromConfig(cfg config.JobsConfig, logger *slog.Logger) *Pacer {
	return NewPacer(
		NewAdaptiveRateLimiter(cfg.PaceMin, cfg.PaceMax),
		NewBreakScheduler(cfg.BreakEveryMin, cfg.BreakEveryMax, cfg.BreakMin, cfg.BreakMax),
		logger,
	)
}

// Done records the outcome of a finished job.
func (p *Pacer) Done(err error) {
	p.limiter.Mark()
	if p.breaks != nil {
		p.breaks.Tick()
	}

	type recorder interface {
		RecordSuccess()
		RecordError()
	}
	if r, ok := p.limiter.(recorder); ok {
		if err != nil {
			r.RecordError()
		} else {
			r.RecordSuccess()
		}
	}
}

// Wait blocks until the next job may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.breaks == nil {
		return nil
	}

	d, ok := p.breaks.Begin()
	if !ok {
		return nil
	}
	p.logger.Info("taking a long break", "duration", d.Round(time.Second))
	return p.sleep(ctx, d)
}
