// Package reconcile owns the client's copy of the game state and decides, for every push
// message and every fetch response, whether and how it changes that copy.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/poller"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

var ErrClosed = errors.New("reconcile: core closed")

const DefaultPollInterval = 3 * time.Second

// StateFetcher is the pull side of the sync: canonical state on demand.
type StateFetcher interface {
	FetchState(ctx context.Context, code models.SessionCode) (models.GameState, error)
}

type Options struct {
	// PollInterval is the fallback polling period while the push channel is down.
	// Zero disables fallback polling.
	PollInterval time.Duration
	// EnableRealtime false means there is no push channel and polling runs from Start.
	EnableRealtime bool
	// ManualMode disables automatic loads and polling; only pushes and Reload change state.
	ManualMode bool
	Clock      clockwork.Clock
	Metrics    metrics.Collector
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   DefaultPollInterval,
		EnableRealtime: true,
	}
}

// UpdateKind classifies a change published to listeners.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateQuestion
	UpdateNewRound
	UpdateRoundSignal
	UpdateConnectivity
)

// Update describes one change. Only the fields for Kind are set.
type Update struct {
	Kind      UpdateKind
	Source    SignalSource
	State     models.GameState
	Question  models.Question
	Round     int
	Signal    RoundSignal
	Connected bool
	Err       error
}

type listener struct {
	id uuid.UUID
	fn func(Update)
}

// Core is the single owner of GameState for one session.
type Core struct {
	code    models.SessionCode
	fetcher StateFetcher
	opts    Options
	clock   clockwork.Clock
	metrics metrics.Collector
	poller  *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc

	pollInFlight atomic.Bool

	mu        sync.Mutex
	state     models.GameState
	hasState  bool
	question  *models.Question
	issued    uint64
	applied   uint64
	loading   int
	connected bool
	lastErr   error
	closed    bool
	listeners []listener
	queue     []Update
	wake      chan struct{}
}

func NewCore(code models.SessionCode, fetcher StateFetcher, opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOp{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		code:    code,
		fetcher: fetcher,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		poller:  poller.New("state:"+string(code), opts.Clock),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
	go c.dispatch()
	return c
}

func (c *Core) Code() models.SessionCode {
	return c.code
}

// Start performs the initial load and, without a push channel, starts polling.
func (c *Core) Start() {
	if c.opts.ManualMode {
		return
	}
	go c.Load(c.ctx)
	if !c.opts.EnableRealtime {
		c.startPolling()
	}
}

// Reload fetches canonical state now, in any mode.
func (c *Core) Reload(ctx context.Context) error {
	return c.Load(ctx)
}

// Load fetches canonical state. Overlapping calls are allowed; a response is applied only
// if no later-issued request or push snapshot has been applied already.
func (c *Core) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.issued++
	seq := c.issued
	c.loading++
	c.mu.Unlock()

	start := c.clock.Now()
	state, err := c.fetcher.FetchState(ctx, c.code)
	c.metrics.RecordFetch("state", err == nil, c.clock.Since(start))

	c.mu.Lock()
	c.loading--
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		// A newer response already landed; this failure says nothing about the current view.
		if seq > c.applied {
			c.lastErr = err
		}
		c.mu.Unlock()
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("game_code", string(c.code)).Uint64("seq", seq).Msg("failed to load game state")
		}
		return err
	}
	if seq <= c.applied {
		applied := c.applied
		c.mu.Unlock()
		c.metrics.RecordStaleDiscarded("load")
		log.Debug().
			Str("game_code", string(c.code)).
			Uint64("seq", seq).
			Uint64("applied", applied).
			Msg("discarding stale state response")
		return nil
	}
	c.applied = seq
	c.lastErr = nil
	c.enqueueLocked(c.applyLocked(state, SourcePoll))
	c.mu.Unlock()

	c.metrics.RecordStateApplied("load")
	return nil
}

// applyLocked replaces the state and derives the follow-up updates. c.mu must be held.
func (c *Core) applyLocked(next models.GameState, source SignalSource) []Update {
	prev, hadPrev := c.state, c.hasState
	c.state = next
	c.hasState = true

	updates := []Update{{Kind: UpdateState, Source: source, State: next.Clone()}}

	// Sudden death goes back to playing without bumping the round number.
	replayed := next.RoundNumber == prev.RoundNumber && prev.Phase.IsResultPhase()
	if hadPrev && next.Phase.IsPlaying() && (next.RoundNumber > prev.RoundNumber || replayed) {
		updates = append(updates, Update{Kind: UpdateNewRound, Source: source, Round: next.RoundNumber})
	}

	// Polled state can reveal a finished round whose push was lost.
	if next.Phase.IsResultPhase() {
		bare, _ := wire.DecodeRoundPayload(nil)
		bare.Result.Round = next.RoundNumber
		updates = append(updates, Update{
			Kind:   UpdateRoundSignal,
			Source: source,
			Signal: RoundSignal{Source: SourcePoll, Round: next.RoundNumber, Payload: bare},
		})
	}
	return updates
}

// OnMessage applies one push message. Fetches it asks for run in the background.
func (c *Core) OnMessage(msg push.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	current := c.state
	c.mu.Unlock()

	out := Reduce(current, msg, c.clock.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if out.State != nil {
		// A snapshot counts as the newest issue so in-flight fetches cannot roll it back.
		c.issued++
		c.applied = c.issued
		c.enqueueLocked(c.applyLocked(*out.State, SourcePush))
		c.metrics.RecordStateApplied("push")
	}

	for _, e := range out.Effects {
		switch e.Kind {
		case EffectLoad:
			go c.Load(c.ctx)
		case EffectSetQuestion:
			q := *out.Question
			c.question = &q
			c.enqueueLocked([]Update{{Kind: UpdateQuestion, Source: SourcePush, Question: q, Round: q.RoundNumber}})
		case EffectNewRound:
			c.enqueueLocked([]Update{{Kind: UpdateNewRound, Source: SourcePush, Round: out.Round}})
		case EffectResolveRound:
			c.enqueueLocked([]Update{{Kind: UpdateRoundSignal, Source: SourcePush, Round: out.Round, Signal: *out.Signal}})
		}
	}
}

// SetQuestion installs a question obtained by fetch rather than push.
func (c *Core) SetQuestion(q models.Question) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.question = &q
	c.enqueueLocked([]Update{{Kind: UpdateQuestion, Source: SourcePoll, Question: q, Round: q.RoundNumber}})
	c.mu.Unlock()
}

// HandleEvent routes a push connection event.
func (c *Core) HandleEvent(ev push.Event) {
	switch ev.Kind {
	case push.EventConnected:
		c.setConnected(true, nil)
		c.stopPolling()
		if !c.opts.ManualMode {
			go c.Load(c.ctx)
		}
	case push.EventDisconnected:
		c.setConnected(false, nil)
		if !c.opts.ManualMode {
			c.startPolling()
		}
	case push.EventError:
		log.Warn().Err(ev.Err).Str("game_code", string(c.code)).Msg("game channel error")
		c.setConnected(false, ev.Err)
		if !c.opts.ManualMode {
			c.startPolling()
		}
	case push.EventMessage:
		c.OnMessage(ev.Message)
	}
}

func (c *Core) setConnected(connected bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	if err != nil {
		c.lastErr = err
	}
	c.enqueueLocked([]Update{{Kind: UpdateConnectivity, Connected: connected, Err: err}})
	c.mu.Unlock()
}

func (c *Core) startPolling() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.poller.Start(c.opts.PollInterval, func() {
		// A slow fetch must not stack up behind the next tick.
		if !c.pollInFlight.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer c.pollInFlight.Store(false)
			c.Load(c.ctx)
		}()
	})
}

func (c *Core) stopPolling() {
	c.poller.Stop()
}

// Polling reports whether fallback polling is active.
func (c *Core) Polling() bool {
	return c.poller.Running()
}

// Close stops polling and discards every response that arrives afterwards.
func (c *Core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listeners = nil
	c.queue = nil
	c.mu.Unlock()

	c.poller.Stop()
	c.cancel()
}

// Snapshot returns a copy of the current state and whether any state has been received.
func (c *Core) Snapshot() (models.GameState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone(), c.hasState
}

// Question returns the current question, if any.
func (c *Core) Question() (models.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == nil {
		return models.Question{}, false
	}
	return *c.question, true
}

func (c *Core) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Err is the last non-fatal error, for a connectivity indicator.
func (c *Core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Core) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading > 0
}

// Subscribe registers fn for every update. Updates are delivered in the order they were
// produced, one at a time, from a single dispatch goroutine. The returned func unsubscribes.
func (c *Core) Subscribe(fn func(Update)) func() {
	id := uuid.New()
	c.mu.Lock()
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// enqueueLocked queues updates for dispatch. c.mu must be held.
func (c *Core) enqueueLocked(updates []Update) {
	if len(updates) == 0 {
		return
	}
	c.queue = append(c.queue, updates...)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Core) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.closed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			batch := c.queue
			c.queue = nil
			ls := append([]listener(nil), c.listeners...)
			c.mu.Unlock()

			for _, u := range batch {
				for _, l := range ls {
					l.fn(u)
				}
			}
		}
	}
}
