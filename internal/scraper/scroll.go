package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

type ScrollOptions struct {
	StepMin     int
	StepMax     int
	Cap         int
	IntervalMin time.Duration
	IntervalMax time.Duration
	SettleMin   time.Duration
	SettleMax   time.Duration
}

func DefaultScrollOptions() ScrollOptions {
	return ScrollOptions{
		StepMin:     100,
		StepMax:     200,
		Cap:         4000,
		IntervalMin: 100 * time.Millisecond,
		IntervalMax: 300 * time.Millisecond,
		SettleMin:   1000 * time.Millisecond,
		SettleMax:   2500 * time.Millisecond,
	}
}

// Scroller scrolls the viewport by dy and reports how far the document can
// scroll in total (scroll height minus viewport height).
type Scroller interface {
	ScrollBy(dy int) (int, error)
}

// LazyLoader scrolls the results surface in small randomized steps so the
// site streams in more cards.
type LazyLoader struct {
	opts  ScrollOptions
	sleep wait.Sleeper

	mu  sync.Mutex
	rng *rand.Rand
}

func NewLazyLoader(opts ScrollOptions, rng *rand.Rand, sleep wait.Sleeper) *LazyLoader {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if sleep == nil {
		sleep = wait.Sleep
	}
	return &LazyLoader{opts: opts, rng: rng, sleep: sleep}
}

// Stimulate scrolls until the cumulative distance covers the scrollable
// height or reaches the cap, then idles for a randomized settle period. It
// returns the distance scrolled.
func (l *LazyLoader) Stimulate(ctx context.Context, s Scroller) (int, error) {
	total := 0
	for {
		step := l.randomInt(l.opts.StepMin, l.opts.StepMax)
		scrollable, err := s.ScrollBy(step)
		if err != nil {
			return total, fmt.Errorf("failed to scroll: %w", err)
		}
		total += step

		if total >= scrollable || total >= l.opts.Cap {
			break
		}

		if err := l.sleep(ctx, l.randomDuration(l.opts.IntervalMin, l.opts.IntervalMax)); err != nil {
			return total, err
		}
	}

	if err := l.sleep(ctx, l.randomDuration(l.opts.SettleMin, l.opts.SettleMax)); err != nil {
		return total, err
	}
	return total, nil
}

func (l *LazyLoader) randomInt(min, max int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return wait.RandomInt(l.rng, min, max)
}

func (l *LazyLoader) randomDuration(min, max time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return wait.RandomDuration(l.rng, min, max)
}

const scrollScript = `d => {
	const scrollable = document.body.scrollHeight - window.innerHeight;
	window.scrollBy(0, d);
	return scrollable;
}`

type pageScroller struct {
	page playwright.Page
}

func (p pageScroller) ScrollBy(dy int) (int, error) {
	v, err := p.page.Evaluate(scrollScript, dy)
	if err != nil {
		return 0, err
	}
	return int(toFloat(v)), nil
}

// toFloat normalizes numbers coming back from Evaluate, which may arrive as
// int or float64 depending on their value.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return 0
}
