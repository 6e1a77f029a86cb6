package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestStopWhenIdleIsNoop(t *testing.T) {
	p := New("test", clockwork.NewFakeClock())
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Fatalf("expected idle poller to stay idle")
	}
}

func TestStartWhenRunningIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New("test", clock)
	defer p.Stop()

	var first, second int32
	p.Start(time.Second, func() { atomic.AddInt32(&first, 1) })
	p.Start(time.Second, func() { atomic.AddInt32(&second, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}

	clock.Advance(time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&first) == 1 })

	if atomic.LoadInt32(&second) != 0 {
		t.Fatalf("expected second Start to be ignored")
	}
}

func TestStopThenStartRestarts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New("test", clock)

	var calls int32
	fn := func() { atomic.AddInt32(&calls, 1) }

	p.Start(time.Second, fn)
	p.Stop()
	if p.Running() {
		t.Fatalf("expected poller stopped")
	}

	p.Start(time.Second, fn)
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}
	clock.Advance(time.Second)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
}

func TestNonPositiveIntervalDisablesPolling(t *testing.T) {
	p := New("test", clockwork.NewFakeClock())
	p.Start(0, func() {})
	if p.Running() {
		t.Fatalf("expected zero interval to leave poller idle")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
