package results

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	quizapi "github.com/mcdev12/bokquiz/go/clients/quiz_api_client"
	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
)

// State is the resolver's position in the round-result state machine.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingPush State = "awaiting_push"
	StateFetching     State = "fetching"
	StateResolved     State = "resolved"
	StateDegraded     State = "degraded"
	StateFailed       State = "failed"
)

// Terminal reports whether no further fetches will happen for the round.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateDegraded || s == StateFailed
}

// ResultFetcher fetches the latest round result.
type ResultFetcher interface {
	FetchRoundResult(ctx context.Context, code models.SessionCode) (models.RoundResult, error)
}

// Resolution is the outcome of resolving one round.
type Resolution struct {
	Round int
	// Pass counts how many times Round was re-armed before this resolution. Sudden death
	// replays round 4, so only Round and Pass together identify a resolution.
	Pass     int
	State    State
	Result   models.RoundResult
	Attempts int
	Source   reconcile.SignalSource
	Err      error
}

// Finished reports whether a resolved result says the game is over. A degraded result is
// not taken as proof; see Degraded.
func (r Resolution) Finished() bool {
	return r.State == StateResolved && r.Result.NextPhase == models.PhaseFinished
}

// Degraded reports whether the result never became available and a placeholder was used.
func (r Resolution) Degraded() bool {
	return r.State == StateDegraded
}

type Config struct {
	Policy  Policy
	Clock   clockwork.Clock
	Delay   SleepFunc
	Jitter  JitterFunc
	Metrics metrics.Collector

	// NotReady classifies fetch errors that should be retried with backoff.
	NotReady func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = PlayerPolicy
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Delay == nil {
		c.Delay = clockSleep(c.Clock)
	}
	if c.Jitter == nil {
		c.Jitter = RandomJitter
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOp{}
	}
	if c.NotReady == nil {
		c.NotReady = quizapi.IsNotReady
	}
	return c
}

// Resolver turns round-end signals into a single resolution per round.
type Resolver struct {
	code    models.SessionCode
	fetcher ResultFetcher
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	round     int
	resolved  int // highest round with a terminal resolution in the current pass
	resetTo   int // highest round announced through NewRound
	pass      int // re-arms of resetTo after a terminal resolution
	stale     *models.RoundResult
	running   context.CancelFunc
	runID     uint64
	pending   *reconcile.RoundSignal
	last      *Resolution
	listeners map[uint64]func(Resolution)
	nextID    uint64
	closed    bool
	wg        sync.WaitGroup
}

func NewResolver(code models.SessionCode, fetcher ResultFetcher, cfg Config) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		code:    code,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,

		resolved:  -1,
		listeners: make(map[uint64]func(Resolution)),
	}
}

// OnResolved registers fn to be called once for every resolution. The returned func removes it.
func (r *Resolver) OnResolved(fn func(Resolution)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resolver) Round() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// Pass returns how many times the current round has been replayed.
func (r *Resolver) Pass() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass
}

// Last returns the most recent resolution.
func (r *Resolver) Last() (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Resolution{}, false
	}
	return *r.last, true
}

// Await marks the round-result view as open for round and waits for a push. If none arrives
// within after, the resolver starts fetching on its own.
func (r *Resolver) Await(round int, after time.Duration) {
	r.mu.Lock()
	if r.closed || round <= r.resolved || r.running != nil {
		r.mu.Unlock()
		return
	}
	r.state = StateAwaitingPush
	r.round = round
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.cfg.Delay(r.ctx, after); err != nil {
			return
		}
		r.mu.Lock()
		waiting := r.state == StateAwaitingPush && r.round == round
		r.mu.Unlock()
		if waiting {
			log.Debug().Str("game_code", string(r.code)).Int("round", round).Msg("no round-end push, fetching result")
			r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePoll, Round: round})
		}
	}()
}

// Trigger feeds a round-end signal into the state machine. It never blocks on the network.
func (r *Resolver) Trigger(sig reconcile.RoundSignal) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if sig.Round <= 0 {
		sig.Round = r.round
	}

	switch {
	case sig.Round <= r.resolved:
		r.mu.Unlock()
		log.Debug().Str("game_code", string(r.code)).Int("round", sig.Round).Msg("round already resolved, ignoring signal")
		return

	case r.running != nil && sig.Round == r.round:
		if !sig.Payload.HasLeaderboard {
			r.mu.Unlock()
			return
		}
		// A pushed leaderboard beats the fetch loop.
		r.running()
		r.running = nil

	case r.running != nil && sig.Round < r.round:
		r.mu.Unlock()
		return

	case r.running != nil:
		queued := sig
		r.pending = &queued
		r.mu.Unlock()
		log.Debug().Str("game_code", string(r.code)).Int("round", sig.Round).Msg("queued round signal behind active resolution")
		return
	}

	r.round = sig.Round
	if result, ok := fastPath(sig); ok {
		res := Resolution{Round: sig.Round, Pass: r.pass, State: StateResolved, Result: result, Source: sig.Source}
		r.finishLocked(res)
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.runID++
	id := r.runID
	r.running = cancel
	r.state = StateFetching
	pass, stale := r.pass, r.stale
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.fetchLoop(ctx, id, pass, stale, sig)
	}()
}

// Retry restarts fetching after a Failed or Degraded resolution. It is a no-op in any other
// state.
func (r *Resolver) Retry(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	if (r.state != StateFailed && r.state != StateDegraded) || r.closed {
		r.mu.Unlock()
		return
	}
	round := r.round
	if r.resolved == round {
		r.resolved = round - 1
	}
	r.mu.Unlock()

	log.Info().Str("game_code", string(r.code)).Int("round", round).Msg("retrying round result")
	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePoll, Round: round})
}

// NewRound re-arms the resolver for a round that has just started and reports whether it
// did. Repeated calls for a round still in play are ignored. Calling it again for a round
// that already has a terminal resolution starts a new pass of that round, which is how a
// sudden-death replay of round 4 gets its own result.
func (r *Resolver) NewRound(round int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	switch {
	case round > r.resetTo:
		r.pass = 0
		r.stale = nil
	case round == r.resetTo && r.resolved >= round:
		r.pass++
		// The server may still serve the previous pass's result for a moment.
		r.stale = nil
		if r.last != nil && r.last.Round == round && r.last.State == StateResolved {
			prev := r.last.Result
			r.stale = &prev
		}
		log.Debug().Str("game_code", string(r.code)).Int("round", round).Int("pass", r.pass).Msg("round replayed")
	default:
		return false
	}
	r.resetTo = round
	if r.running != nil && r.round < round {
		r.running()
		r.running = nil
	}
	if r.pending != nil && r.pending.Round < round {
		r.pending = nil
	}
	if r.running == nil {
		r.state = StateIdle
		r.round = round
	}
	if r.resolved >= round {
		r.resolved = round - 1
	}
	return true
}

// Close cancels any fetch or wait in progress and waits for them to stop.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.pending = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Resolver) fetchLoop(ctx context.Context, id uint64, pass int, stale *models.RoundResult, sig reconcile.RoundSignal) {
	policy := r.cfg.Policy
	var delay time.Duration

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := r.cfg.Clock.Now()
		result, err := r.fetcher.FetchRoundResult(ctx, r.code)
		r.cfg.Metrics.RecordFetch("round_result", err == nil, r.cfg.Clock.Since(start))
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			if result.Round == 0 {
				result.Round = sig.Round
			}
			if ready(result, sig.Round) && (stale == nil || !sameResult(result, *stale)) {
				r.finish(id, Resolution{Round: sig.Round, Pass: pass, State: StateResolved, Result: result, Attempts: attempt, Source: sig.Source})
				return
			}
		} else if !r.cfg.NotReady(err) {
			log.Error().Err(err).Str("game_code", string(r.code)).Int("round", sig.Round).Msg("round result fetch failed")
			r.finish(id, Resolution{Round: sig.Round, Pass: pass, State: StateFailed, Attempts: attempt, Source: sig.Source, Err: err})
			return
		}

		if attempt == policy.MaxAttempts {
			break
		}
		delay = policy.Delay(attempt, delay, r.cfg.Jitter(policy.MaxJitter))
		log.Debug().
			Str("game_code", string(r.code)).
			Int("round", sig.Round).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("round result not ready")
		if err := r.cfg.Delay(ctx, delay); err != nil {
			return
		}
	}

	log.Warn().Str("game_code", string(r.code)).Int("round", sig.Round).Int("attempts", policy.MaxAttempts).Msg("round result never became ready, degrading")
	r.finish(id, Resolution{
		Round:    sig.Round,
		Pass:     pass,
		State:    StateDegraded,
		Result:   models.DegradedResult(sig.Round),
		Attempts: policy.MaxAttempts,
		Source:   sig.Source,
	})
}

func (r *Resolver) finish(id uint64, res Resolution) {
	r.mu.Lock()
	if r.closed || r.runID != id || r.running == nil {
		r.mu.Unlock()
		return
	}
	r.running()
	r.running = nil
	r.finishLocked(res)
}

// finishLocked records res, releases the lock, notifies listeners and runs any queued signal.
func (r *Resolver) finishLocked(res Resolution) {
	r.state = res.State
	r.round = res.Round
	if res.Round > r.resolved {
		r.resolved = res.Round
	}
	r.last = &res
	listeners := make([]func(Resolution), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	r.cfg.Metrics.RecordResolution(string(res.State), res.Attempts)
	log.Info().
		Str("game_code", string(r.code)).
		Int("round", res.Round).
		Str("state", string(res.State)).
		Str("next_phase", string(res.Result.NextPhase)).
		Int("attempts", res.Attempts).
		Msg("round resolved")

	for _, fn := range listeners {
		fn(res)
	}
	if pending != nil {
		r.Trigger(*pending)
	}
}

// fastPath resolves a signal from its own payload when that payload is complete.
func fastPath(sig reconcile.RoundSignal) (models.RoundResult, bool) {
	p := sig.Payload
	result := p.Result
	if result.Round == 0 {
		result.Round = sig.Round
	}
	if p.HasLeaderboard {
		return result, true
	}
	if p.ExplicitNextState && result.NextPhase == models.PhaseFinished && !p.Final && p.ResultID == "" {
		if result.Leaderboard == nil {
			result.Leaderboard = []models.LeaderboardEntry{}
		}
		return result, true
	}
	return models.RoundResult{}, false
}

// ready reports whether a fetched result is usable for round. An empty leaderboard outside of
// the final round, or a result for an earlier round, means the server has not caught up.
func ready(result models.RoundResult, round int) bool {
	if result.Round < round {
		return false
	}
	return len(result.Leaderboard) > 0 || result.NextPhase == models.PhaseFinished
}

func sameResult(a, b models.RoundResult) bool {
	return a.Round == b.Round &&
		a.NextPhase == b.NextPhase &&
		slices.Equal(a.Leaderboard, b.Leaderboard) &&
		slices.Equal(a.EliminatedNames, b.EliminatedNames)
}

// ErrNoResolution is returned by Wait when the resolver is closed first.
var ErrNoResolution = errors.New("resolver closed before resolving")

// Wait blocks until round has a terminal resolution in its current pass or ctx ends.
func (r *Resolver) Wait(ctx context.Context, round int) (Resolution, error) {
	ch := make(chan Resolution, 1)
	unsubscribe := r.OnResolved(func(res Resolution) {
		if res.Round == round {
			select {
			case ch <- res:
			default:
			}
		}
	})
	defer unsubscribe()

	r.mu.Lock()
	last := r.last
	current := last != nil && last.Round == round && (round != r.resetTo || last.Pass == r.pass)
	r.mu.Unlock()
	if current {
		return *last, nil
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-r.ctx.Done():
		return Resolution{}, ErrNoResolution
	}
}
