package results

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
)

const (
	WatchdogInterval  = 1800 * time.Millisecond
	WatchdogMaxJitter = 400 * time.Millisecond
)

// WatchdogHandlers receive what the watchdog sees. Either may be nil.
type WatchdogHandlers struct {
	// Finished is called once when the game is observed as finished; the watchdog then stops.
	Finished func(state models.GameState)
	// ResultPhase is called for every poll that lands in a round-end phase.
	ResultPhase func(state models.GameState)
}

// Watchdog polls state while a round-result view is open, so a missed push cannot leave a
// player stuck on it.
type Watchdog struct {
	code     models.SessionCode
	fetcher  reconcile.StateFetcher
	clock    clockwork.Clock
	jitter   JitterFunc
	handlers WatchdogHandlers

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatchdog(code models.SessionCode, fetcher reconcile.StateFetcher, clock clockwork.Clock, jitter JitterFunc, handlers WatchdogHandlers) *Watchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if jitter == nil {
		jitter = RandomJitter
	}
	return &Watchdog{
		code:     code,
		fetcher:  fetcher,
		clock:    clock,
		jitter:   jitter,
		handlers: handlers,
	}
}

// Start begins polling. It is a no-op when already running.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)

	log.Debug().Str("game_code", string(w.code)).Msg("result watchdog started")
}

// Stop halts polling and waits for the loop to exit. It is a no-op when idle and must not be
// called from a handler.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Watchdog) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(WatchdogInterval + w.jitter(WatchdogMaxJitter)):
		}

		state, err := w.fetcher.FetchState(ctx, w.code)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug().Err(err).Str("game_code", string(w.code)).Msg("watchdog state fetch failed")
			continue
		}

		switch {
		case state.Phase == models.PhaseFinished:
			w.release(done)
			if w.handlers.Finished != nil {
				w.handlers.Finished(state)
			}
			return
		case state.Phase.IsResultPhase():
			if w.handlers.ResultPhase != nil {
				w.handlers.ResultPhase(state)
			}
		}
	}
}

// release marks the watchdog idle from inside its own loop.
func (w *Watchdog) release(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == done {
		w.cancel()
		w.cancel, w.done = nil, nil
	}
}
