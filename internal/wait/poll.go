// Package wait holds the bounded-retry primitive every wait point in the
// search protocol goes through, so interval and budget policy live in one
// place and can be driven by a fake clock in tests.
package wait

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrExhausted is returned when the predicate never held within the budget.
var ErrExhausted = errors.New("wait: attempts exhausted")

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy describes a polling budget. MaxAttempts <= 0 polls until the
// predicate holds or the context ends.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Attempts derives a policy covering timeout at the given interval.
func Attempts(timeout, interval time.Duration) Policy {
	if interval <= 0 {
		interval = time.Second
	}
	n := int(timeout / interval)
	if n < 1 {
		n = 1
	}
	return Policy{Interval: interval, MaxAttempts: n}
}

// Unbounded polls forever at interval.
func Unbounded(interval time.Duration) Policy {
	return Policy{Interval: interval}
}

// Poller runs predicates under a Policy.
type Poller struct {
	Sleep Sleeper
}

func New() *Poller {
	return &Poller{Sleep: Sleep}
}

// Until calls fn until it reports done, returns an error, the policy runs out
// or ctx ends. It returns the number of attempts made. There is no sleep
// before the first attempt or after the last one.
func (p *Poller) Until(ctx context.Context, policy Policy, fn func(attempt int) (bool, error)) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		done, err := fn(attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return attempt, ErrExhausted
		}

		if err := sleep(ctx, policy.Interval); err != nil {
			return attempt, err
		}
	}
}

// RandomDuration returns a uniformly distributed duration in [min, max].
func RandomDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// RandomInt returns a uniformly distributed int in [min, max].
func RandomInt(rng *rand.Rand, min, max int) int {
	if max <= min {
		return min
	}
	return min + rng.Intn(max-min+1)
}
