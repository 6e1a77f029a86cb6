// Package session wires the push connection, the reconciliation core, the round-result
// resolver and navigation together for one participant in one game.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/identity"
	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/navigation"
	"github.com/mcdev12/bokquiz/go/internal/quiz/poller"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
	"github.com/mcdev12/bokquiz/go/internal/quiz/results"
	"github.com/mcdev12/bokquiz/go/internal/quiz/suddendeath"
	"github.com/mcdev12/bokquiz/go/internal/quiz/timer"
)

type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// API is everything a session asks of the quiz backend.
type API interface {
	reconcile.StateFetcher
	results.ResultFetcher
	results.FinalFetcher
	HostStart(ctx context.Context, code models.SessionCode, hostToken string) error
	HostNext(ctx context.Context, code models.SessionCode, hostToken string) error
	FetchQuestion(ctx context.Context, code models.SessionCode) (models.Question, error)
	SubmitAnswer(ctx context.Context, code models.SessionCode, playerID, reconnectToken string, selectedIndex int) error
}

type Config struct {
	Role Role
	Code models.SessionCode

	Core    reconcile.Options
	Policy  results.Policy
	Clock   clockwork.Clock
	Jitter  results.JitterFunc
	Metrics metrics.Collector

	// QuestionPollInterval is how often a player without a pushed question asks for one
	// while the push channel is down.
	QuestionPollInterval time.Duration
	// ResultNavDelay (plus up to ResultNavJitter) separates a player's round-end push from
	// the switch to the result view, so the server has time to commit the result.
	ResultNavDelay  time.Duration
	ResultNavJitter time.Duration
	// AwaitPushTimeout (plus up to ResultNavJitter) is how long the result view waits for a
	// pushed leaderboard before fetching.
	AwaitPushTimeout time.Duration
	// EliminationRecheckDelay is the wait before re-reading state after a sudden-death
	// elimination, to catch a game that ended with it.
	EliminationRecheckDelay time.Duration
	// DegradedWinnerDelay is how long a host keeps the leaderboard up after a round result
	// never arrived before moving on to the winner screen.
	DegradedWinnerDelay time.Duration

	TimerTick time.Duration
	// OnTick receives every change of the visible countdown.
	OnTick func(remaining int)
}

func DefaultConfig(role Role, code models.SessionCode) Config {
	cfg := Config{
		Role:                    role,
		Code:                    code,
		Core:                    reconcile.DefaultOptions(),
		Policy:                  results.PlayerPolicy,
		QuestionPollInterval:    2 * time.Second,
		ResultNavDelay:          700 * time.Millisecond,
		ResultNavJitter:         400 * time.Millisecond,
		AwaitPushTimeout:        800 * time.Millisecond,
		EliminationRecheckDelay: 500 * time.Millisecond,
		DegradedWinnerDelay:     4 * time.Second,
		TimerTick:               timer.DefaultTickInterval,
	}
	if role == RoleHost {
		cfg.Policy = results.HostPolicy
	}
	return cfg
}

// Session is one participant's live view of a game.
type Session struct {
	cfg  Config
	api  API
	conn *push.Connection
	id   *identity.Context
	nav  navigation.Navigator

	clock    clockwork.Clock
	core     *reconcile.Core
	resolver *results.Resolver
	watchdog *results.Watchdog
	gate     *suddendeath.Gate
	winner   *navigation.Latch
	once     *navigation.Once
	fallback *poller.Poller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates     chan reconcile.Update
	resolutions chan results.Resolution
	unsubscribe func()

	mu           sync.Mutex
	countdown    *timer.SyncedTimer
	stopTimer    context.CancelFunc
	remaining    int
	answered     string
	lastQuestion string
	epoch        navigation.Epoch
	leftLobby    bool
	eliminated   bool
	closed       bool
	runStarted   bool
}

// New builds a session. conn may be nil when realtime is disabled.
func New(api API, conn *push.Connection, id *identity.Context, nav navigation.Navigator, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Jitter == nil {
		cfg.Jitter = results.RandomJitter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOp{}
	}
	if nav == nil {
		nav = navigation.LogNavigator{}
	}
	cfg.Core.Clock = cfg.Clock
	cfg.Core.Metrics = cfg.Metrics
	if conn == nil {
		cfg.Core.EnableRealtime = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		api:         api,
		conn:        conn,
		id:          id,
		nav:         nav,
		clock:       cfg.Clock,
		ctx:         ctx,
		cancel:      cancel,
		updates:     make(chan reconcile.Update, 64),
		resolutions: make(chan results.Resolution, 8),
		fallback:    poller.New("question:"+string(cfg.Code), cfg.Clock),
		winner:      navigation.NewLatch(nav, navigation.ScreenWinner),
		once:        navigation.NewOnce(nav),
		gate:        suddendeath.NewGate(id),
	}

	s.core = reconcile.NewCore(cfg.Code, api, cfg.Core)
	s.resolver = results.NewResolver(cfg.Code, api, results.Config{
		Policy:  cfg.Policy,
		Clock:   cfg.Clock,
		Jitter:  cfg.Jitter,
		Metrics: cfg.Metrics,
	})
	s.watchdog = results.NewWatchdog(cfg.Code, api, cfg.Clock, cfg.Jitter, results.WatchdogHandlers{
		Finished: func(models.GameState) { s.winner.Fire(cfg.Code, "watchdog") },
		ResultPhase: func(state models.GameState) {
			s.resolver.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePoll, Round: state.RoundNumber})
		},
	})

	s.unsubscribe = s.core.Subscribe(func(u reconcile.Update) {
		select {
		case s.updates <- u:
		case <-s.ctx.Done():
		}
	})
	s.resolver.OnResolved(func(res results.Resolution) {
		s.goAsync(func() {
			select {
			case s.resolutions <- res:
			case <-s.ctx.Done():
			}
		})
	})
	return s
}

// Run opens the push channel, performs the initial load and serializes every event into
// the session until ctx ends or Close is called. It may only be called once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.runStarted {
		s.mu.Unlock()
		return reconcile.ErrClosed
	}
	s.runStarted = true
	s.mu.Unlock()

	log.Info().
		Str("game_code", string(s.cfg.Code)).
		Str("role", string(s.cfg.Role)).
		Bool("realtime", s.conn != nil).
		Msg("session started")

	var events <-chan push.Event
	if s.conn != nil {
		events = s.conn.Events()
		s.conn.Open(s.ctx, s.cfg.Code)
	}
	s.core.Start()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case ev := <-events:
			s.core.HandleEvent(ev)
		case u := <-s.updates:
			s.handleUpdate(u)
		case res := <-s.resolutions:
			s.handleResolution(res)
		}
	}
}

// Close stops every timer, poller and fetch owned by the session and closes the
// subscription. Responses that arrive afterwards are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stopTimer := s.stopTimer
	s.stopTimer = nil
	s.mu.Unlock()

	s.cancel()
	s.unsubscribe()
	if stopTimer != nil {
		stopTimer()
	}
	s.fallback.Stop()
	s.watchdog.Stop()
	s.resolver.Close()
	if s.conn != nil {
		s.conn.Close()
	}
	s.core.Close()
	s.wg.Wait()

	log.Info().Str("game_code", string(s.cfg.Code)).Msg("session closed")
}

func (s *Session) Code() models.SessionCode {
	return s.cfg.Code
}

func (s *Session) Role() Role {
	return s.cfg.Role
}

// State returns the last applied game state.
func (s *Session) State() (models.GameState, bool) {
	return s.core.Snapshot()
}

func (s *Session) Question() (models.Question, bool) {
	return s.core.Question()
}

// Resolution returns the latest round-result resolution.
func (s *Session) Resolution() (results.Resolution, bool) {
	return s.resolver.Last()
}

func (s *Session) ResolverState() results.State {
	return s.resolver.State()
}

func (s *Session) Connected() bool {
	return s.core.Connected()
}

func (s *Session) Polling() bool {
	return s.core.Polling()
}

// Err is the last connectivity or load error.
func (s *Session) Err() error {
	return s.core.Err()
}

// Remaining is the countdown value last shown, in whole seconds.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// WinnerShown reports whether the winner screen has been navigated to.
func (s *Session) WinnerShown() bool {
	return s.winner.Fired()
}

// Reload fetches canonical state now.
func (s *Session) Reload(ctx context.Context) error {
	return s.core.Reload(ctx)
}

// goAsync runs fn in a goroutine that Close waits for.
func (s *Session) goAsync(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// after runs fn once d has elapsed, unless the session closes first.
func (s *Session) after(d time.Duration, fn func()) {
	s.goAsync(func() {
		select {
		case <-s.ctx.Done():
			return
		case <-s.clock.After(d):
		}
		fn()
	})
}
