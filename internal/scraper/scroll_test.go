package scraper

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScroller struct {
	scrollable int
	steps      []int
	err        error
}

func (f *fakeScroller) ScrollBy(dy int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.steps = append(f.steps, dy)
	return f.scrollable, nil
}

func recordingSleep(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
}

func TestStimulateStopsAtScrollableHeight(t *testing.T) {
	var sleeps []time.Duration
	opts := DefaultScrollOptions()
	l := NewLazyLoader(opts, rand.New(rand.NewSource(1)), recordingSleep(&sleeps))

	s := &fakeScroller{scrollable: 1000}
	total, err := l.Stimulate(context.Background(), s)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, total, 1000)
	assert.Less(t, total-s.steps[len(s.steps)-1], 1000)
	for _, step := range s.steps {
		assert.GreaterOrEqual(t, step, opts.StepMin)
		assert.LessOrEqual(t, step, opts.StepMax)
	}

	// one pause between steps plus the final settle
	require.Len(t, sleeps, len(s.steps))
	for _, d := range sleeps[:len(sleeps)-1] {
		assert.GreaterOrEqual(t, d, opts.IntervalMin)
		assert.LessOrEqual(t, d, opts.IntervalMax)
	}
	settle := sleeps[len(sleeps)-1]
	assert.GreaterOrEqual(t, settle, opts.SettleMin)
	assert.LessOrEqual(t, settle, opts.SettleMax)
}

func TestStimulateRespectsCap(t *testing.T) {
	var sleeps []time.Duration
	opts := DefaultScrollOptions()
	l := NewLazyLoader(opts, rand.New(rand.NewSource(7)), recordingSleep(&sleeps))

	s := &fakeScroller{scrollable: 50000}
	total, err := l.Stimulate(context.Background(), s)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, total, opts.Cap)
	assert.Less(t, total, opts.Cap+opts.StepMax)
}

func TestStimulateShortPage(t *testing.T) {
	var sleeps []time.Duration
	l := NewLazyLoader(DefaultScrollOptions(), rand.New(rand.NewSource(3)), recordingSleep(&sleeps))

	s := &fakeScroller{scrollable: 0}
	_, err := l.Stimulate(context.Background(), s)
	require.NoError(t, err)

	assert.Len(t, s.steps, 1)
	assert.Len(t, sleeps, 1)
}

func TestStimulateScrollError(t *testing.T) {
	var sleeps []time.Duration
	l := NewLazyLoader(DefaultScrollOptions(), rand.New(rand.NewSource(3)), recordingSleep(&sleeps))

	_, err := l.Stimulate(context.Background(), &fakeScroller{err: errors.New("target closed")})
	assert.Error(t, err)
	assert.Empty(t, sleeps)
}

func TestStimulateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sleeps []time.Duration
	l := NewLazyLoader(DefaultScrollOptions(), rand.New(rand.NewSource(3)), recordingSleep(&sleeps))

	_, err := l.Stimulate(ctx, &fakeScroller{scrollable: 5000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToFloat(t *testing.T) {
	assert.Equal(t, 12.0, toFloat(12))
	assert.Equal(t, 12.5, toFloat(12.5))
	assert.Equal(t, 3.0, toFloat(int64(3)))
	assert.Equal(t, 0.0, toFloat("12"))
	assert.Equal(t, 0.0, toFloat(nil))
}
