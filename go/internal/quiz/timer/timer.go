// Package timer implements a countdown that is always derived from an absolute deadline,
// so ticks that run late never accumulate drift.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultFallback     = 20 * time.Second
)

type Option func(*SyncedTimer)

func WithClock(clock clockwork.Clock) Option {
	return func(t *SyncedTimer) { t.clock = clock }
}

func WithTickInterval(d time.Duration) Option {
	return func(t *SyncedTimer) {
		if d > 0 {
			t.tick = d
		}
	}
}

// SyncedTimer counts down to a server-provided deadline.
type SyncedTimer struct {
	clock    clockwork.Clock
	tick     time.Duration
	fallback time.Duration

	mu       sync.Mutex
	deadline time.Time
	resetCh  chan struct{}
}

// New creates a timer for deadline. A zero deadline means now + fallback.
func New(deadline time.Time, fallback time.Duration, opts ...Option) *SyncedTimer {
	t := &SyncedTimer{
		clock:    clockwork.NewRealClock(),
		tick:     DefaultTickInterval,
		fallback: fallback,
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.deadline = t.resolve(deadline)
	return t
}

// NewFromString parses endsAt; an empty or unparseable value falls back to now + fallback.
func NewFromString(endsAt string, fallback time.Duration, opts ...Option) *SyncedTimer {
	var deadline time.Time
	if endsAt != "" {
		parsed, err := wire.ParseTime(endsAt)
		if err != nil {
			log.Debug().Str("ends_at", endsAt).Err(err).Msg("unparseable deadline, using fallback")
		} else {
			deadline = parsed
		}
	}
	return New(deadline, fallback, opts...)
}

// ForQuestion starts a timer for q's deadline.
func ForQuestion(q models.Question, fallback time.Duration, opts ...Option) *SyncedTimer {
	return New(q.EndsAt, fallback, opts...)
}

func (t *SyncedTimer) resolve(deadline time.Time) time.Time {
	if deadline.IsZero() {
		return t.clock.Now().Add(t.fallback)
	}
	return deadline
}

// Deadline returns the absolute deadline in use.
func (t *SyncedTimer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

// Remaining returns whole seconds left, rounded up and never negative.
func (t *SyncedTimer) Remaining() int {
	t.mu.Lock()
	deadline := t.deadline
	t.mu.Unlock()
	return secondsUntil(deadline, t.clock.Now())
}

func secondsUntil(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	secs := int(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

// Reset points the timer at a new deadline, for the next question. A running Run loop
// picks it up immediately.
func (t *SyncedTimer) Reset(deadline time.Time) {
	t.mu.Lock()
	t.deadline = t.resolve(deadline)
	t.mu.Unlock()

	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// Run calls onTick with the current value immediately and then every time the displayed
// value changes. It returns when the value reaches 0 or ctx is cancelled.
func (t *SyncedTimer) Run(ctx context.Context, onTick func(remaining int)) {
	ticker := t.clock.NewTicker(t.tick)
	defer ticker.Stop()

	last := -1
	emit := func() bool {
		remaining := t.Remaining()
		if remaining != last {
			last = remaining
			if onTick != nil {
				onTick(remaining)
			}
		}
		return remaining == 0
	}

	if emit() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.resetCh:
			last = -1
			if emit() {
				return
			}
		case <-ticker.Chan():
			if emit() {
				return
			}
		}
	}
}
