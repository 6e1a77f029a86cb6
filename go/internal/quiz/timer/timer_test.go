package timer

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRemainingRoundsUpAndClamps(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	tm := New(start.Add(1500*time.Millisecond), DefaultFallback, WithClock(clock))

	if got := tm.Remaining(); got != 2 {
		t.Fatalf("expected 2 seconds for 1.5s left, got %d", got)
	}
	clock.Advance(500 * time.Millisecond)
	if got := tm.Remaining(); got != 1 {
		t.Fatalf("expected 1 second for exactly 1s left, got %d", got)
	}
	clock.Advance(5 * time.Second)
	if got := tm.Remaining(); got != 0 {
		t.Fatalf("expected clamp at 0, got %d", got)
	}
}

func TestFallbackDeadline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)

	tm := NewFromString("not a timestamp", 5*time.Second, WithClock(clock))
	if got := tm.Remaining(); got != 5 {
		t.Fatalf("expected fallback of 5 seconds, got %d", got)
	}

	tm = NewFromString("", 20*time.Second, WithClock(clock))
	if !tm.Deadline().Equal(start.Add(20 * time.Second)) {
		t.Fatalf("expected deadline now+20s, got %v", tm.Deadline())
	}

	tm = NewFromString("2025-03-01T12:00:07Z", 20*time.Second, WithClock(clock))
	if got := tm.Remaining(); got != 7 {
		t.Fatalf("expected server deadline to win, got %d", got)
	}
}

func TestRunCountsDownWithoutIncreasing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	tm := New(start.Add(20*time.Second), DefaultFallback, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := make(chan int, 64)
	done := make(chan struct{})
	go func() {
		tm.Run(ctx, func(remaining int) { ticks <- remaining })
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}
	for i := 0; i < 205; i++ {
		clock.Advance(100 * time.Millisecond)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("Run did not stop at zero")
	}
	close(ticks)

	var seen []int
	for v := range ticks {
		seen = append(seen, v)
	}
	if len(seen) == 0 || seen[0] != 20 {
		t.Fatalf("expected countdown to start at 20, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Fatalf("countdown increased or repeated: %v", seen)
		}
	}
	if seen[len(seen)-1] != 0 {
		t.Fatalf("expected countdown to end at 0, got %v", seen)
	}
}

func TestResetMovesDeadline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	tm := New(start.Add(3*time.Second), DefaultFallback, WithClock(clock))

	tm.Reset(start.Add(30 * time.Second))
	if got := tm.Remaining(); got != 30 {
		t.Fatalf("expected 30 after reset, got %d", got)
	}

	tm.Reset(time.Time{})
	if got := tm.Remaining(); got != int(DefaultFallback/time.Second) {
		t.Fatalf("expected fallback after zero reset, got %d", got)
	}
}
