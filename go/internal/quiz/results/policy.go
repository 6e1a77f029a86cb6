package results

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy is a capped, jittered exponential backoff for "not ready yet" retries.
type Policy struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

var (
	// HostPolicy gives up quickly; the host can always press next again.
	HostPolicy = Policy{Initial: 300 * time.Millisecond, Factor: 1.8, Max: 2 * time.Second, MaxJitter: 400 * time.Millisecond, MaxAttempts: 5}
	// PlayerPolicy is patient; players have no other way to see the result.
	PlayerPolicy = Policy{Initial: 450 * time.Millisecond, Factor: 1.5, Max: 3500 * time.Millisecond, MaxJitter: 250 * time.Millisecond, MaxAttempts: 15}
	// WinnerPolicy is used for the end-of-game results.
	WinnerPolicy = Policy{Initial: 400 * time.Millisecond, Factor: 1.5, Max: 3 * time.Second, MaxAttempts: 10}
)

// Delay returns the wait after the given failed attempt (1-based). Waits never shrink and
// never exceed Max: max(prev, min(Initial*Factor^(attempt-1) + jitter, Max)).
func (p Policy) Delay(attempt int, prev, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	d := time.Duration(math.Min(base+float64(jitter), float64(p.Max)))
	if d < prev {
		d = prev
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitterFunc returns a random duration in [0, max).
type JitterFunc func(max time.Duration) time.Duration

func clockSleep(clock clockwork.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(d):
			return nil
		}
	}
}

// RandomJitter is the default JitterFunc.
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
