package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/bokquiz/go/clients"
	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/identity"
	"github.com/mcdev12/bokquiz/go/internal/quiz/navigation"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
	"github.com/mcdev12/bokquiz/go/internal/quiz/results"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu          sync.Mutex
	state       models.GameState
	stateCalls  int
	resultCalls int
	result      models.RoundResult
	resultErr   error
	hostTokens  []string
	submitErr   error
	submitGate  chan struct{}
	submits     int
}

func (f *fakeAPI) setState(s models.GameState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeAPI) FetchState(ctx context.Context, code models.SessionCode) (models.GameState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	return f.state.Clone(), nil
}

func (f *fakeAPI) stateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

func (f *fakeAPI) FetchRoundResult(ctx context.Context, code models.SessionCode) (models.RoundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	return f.result, f.resultErr
}

func (f *fakeAPI) setResult(result models.RoundResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.resultErr = result, err
}

func (f *fakeAPI) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resultCalls
}

func (f *fakeAPI) FetchFinalResults(ctx context.Context, code models.SessionCode) (models.FinalResults, error) {
	winner := "Thabo"
	return models.FinalResults{Winner: &winner}, nil
}

func (f *fakeAPI) HostStart(ctx context.Context, code models.SessionCode, hostToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostTokens = append(f.hostTokens, hostToken)
	return nil
}

func (f *fakeAPI) HostNext(ctx context.Context, code models.SessionCode, hostToken string) error {
	return f.HostStart(ctx, code, hostToken)
}

func (f *fakeAPI) FetchQuestion(ctx context.Context, code models.SessionCode) (models.Question, error) {
	return models.Question{}, errors.New("not available")
}

func (f *fakeAPI) SubmitAnswer(ctx context.Context, code models.SessionCode, playerID, reconnectToken string, selectedIndex int) error {
	f.mu.Lock()
	f.submits++
	gate, err := f.submitGate, f.submitErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

type fakeSubscription struct{}

func (fakeSubscription) Perform(action string, data map[string]any) error { return nil }
func (fakeSubscription) Unsubscribe() error                               { return nil }

type fakeTransport struct {
	mu   sync.Mutex
	sink push.Sink
	subs chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(chan struct{}, 1)}
}

func (f *fakeTransport) Subscribe(ctx context.Context, code models.SessionCode, sink push.Sink) (push.Subscription, error) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
	f.subs <- struct{}{}
	return fakeSubscription{}, nil
}

func (f *fakeTransport) emit(ev push.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

func (f *fakeTransport) message(t *testing.T, typ push.MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.emit(push.Event{Kind: push.EventMessage, Message: push.Message{Type: typ, Payload: raw}})
}

type harness struct {
	clock     *clockwork.FakeClock
	api       *fakeAPI
	transport *fakeTransport
	history   *navigation.History
	id        *identity.Context
	session   *Session
	runErr    chan error
}

// harnessOption adjusts the config or the backend before the session starts.
type harnessOption func(cfg *Config, api *fakeAPI)

func withState(state models.GameState) harnessOption {
	return func(_ *Config, api *fakeAPI) { api.state = state }
}

// withShortPolicy makes result fetching give up after a few quick attempts.
func withShortPolicy() harnessOption {
	return func(cfg *Config, _ *fakeAPI) {
		cfg.Policy = results.Policy{Initial: 400 * time.Millisecond, Factor: 1.5, Max: 600 * time.Millisecond, MaxAttempts: 3}
	}
}

func newHarness(t *testing.T, role Role, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	id, err := identity.Load(ctx, identity.NewMemoryStore(), "test")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if role == RoleHost {
		err = id.SetHost(ctx, models.CreatedGame{Code: "DEMO123", HostToken: "host-secret", HostPlayerID: "1"})
	} else {
		err = id.SetPlayer(ctx, "DEMO123", "Thabo", models.JoinedPlayer{PlayerID: "7", ReconnectToken: "r"})
	}
	if err != nil {
		t.Fatalf("store identity: %v", err)
	}

	h := &harness{
		clock:     clockwork.NewFakeClockAt(start),
		api:       &fakeAPI{state: models.GameState{Phase: models.PhaseActive, RoundNumber: 1, Players: []models.Player{{Name: "Thabo"}, {Name: "Ann"}}}},
		transport: newFakeTransport(),
		history:   &navigation.History{},
		id:        id,
		runErr:    make(chan error, 1),
	}

	cfg := DefaultConfig(role, "DEMO123")
	cfg.Clock = h.clock
	cfg.Jitter = func(time.Duration) time.Duration { return 0 }
	for _, opt := range opts {
		opt(&cfg, h.api)
	}
	h.session = New(h.api, push.NewConnection(h.transport, 0), id, h.history, cfg)

	go func() { h.runErr <- h.session.Run(context.Background()) }()
	select {
	case <-h.transport.subs:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never subscribed")
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.session.Close()
	<-h.runErr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// advanceUntil moves the fake clock forward in small steps until cond holds.
func (h *harness) advanceUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		h.clock.Advance(50 * time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}
}

func scoredPayload(round, score int, next string) map[string]any {
	return map[string]any{
		"round":       round,
		"leaderboard": []map[string]any{{"name": "Thabo", "round_score": score}},
		"next_state":  next,
	}
}

func questionPayload(round, index int, text string) map[string]any {
	return map[string]any{
		"round_number": round,
		"index":        index,
		"question":     text,
		"options":      []string{"Yes", "No"},
		"ends_at":      start.Add(time.Minute).Format(time.RFC3339Nano),
	}
}

func leaderboardPayload(round int) map[string]any {
	return map[string]any{
		"round":       round,
		"leaderboard": []map[string]any{{"name": "Thabo", "round_score": 3}, {"name": "Ann", "round_score": 2}},
		"next_state":  "between_rounds",
	}
}

func TestQuestionThenDuplicateRoundEnd(t *testing.T) {
	h := newHarness(t, RolePlayer)
	h.transport.emit(push.Event{Kind: push.EventConnected})

	h.transport.message(t, push.MessageQuestionStarted, map[string]any{
		"round_number": 1,
		"index":        0,
		"question":     "Which river is the longest in South Africa?",
		"options":      []string{"Orange", "Vaal", "Limpopo"},
		"ends_at":      start.Add(20 * time.Second).Format(time.RFC3339Nano),
	})

	waitFor(t, "question", func() bool { _, ok := h.session.Question(); return ok })
	waitFor(t, "countdown", func() bool { return h.session.Remaining() == 20 })
	waitFor(t, "question screen", func() bool { return h.history.Count(navigation.ScreenQuestion) == 1 })

	h.transport.message(t, push.MessageRoundEnded, leaderboardPayload(1))
	h.transport.message(t, push.MessageRoundEnded, leaderboardPayload(1))

	h.advanceUntil(t, "round result screen", func() bool { return h.history.Count(navigation.ScreenRoundResult) >= 1 })
	for i := 0; i < 10; i++ {
		h.clock.Advance(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	if got := h.history.Count(navigation.ScreenRoundResult); got != 1 {
		t.Fatalf("expected one round result navigation, got %d (%v)", got, h.history.Screens())
	}
	if got := h.history.Count(navigation.ScreenQuestion); got != 1 {
		t.Fatalf("expected one question navigation, got %d", got)
	}
	res, ok := h.session.Resolution()
	if !ok || res.State != results.StateResolved || len(res.Result.Leaderboard) != 2 {
		t.Fatalf("expected pushed leaderboard to resolve the round, got %+v", res)
	}
	if h.api.resultCount() != 0 {
		t.Fatalf("expected no round result fetch, got %d", h.api.resultCount())
	}
	if remaining := h.session.Remaining(); remaining > 20 || remaining < 0 {
		t.Fatalf("countdown out of range: %d", remaining)
	}
}

func TestDisconnectFallsBackToPolling(t *testing.T) {
	h := newHarness(t, RolePlayer)
	waitFor(t, "initial load", func() bool { return h.api.stateCount() >= 1 })

	h.transport.emit(push.Event{Kind: push.EventDisconnected})
	waitFor(t, "polling", h.session.Polling)

	before := h.api.stateCount()
	h.advanceUntil(t, "fallback load", func() bool { return h.api.stateCount() > before })

	h.transport.emit(push.Event{Kind: push.EventConnected})
	waitFor(t, "polling to stop", func() bool { return !h.session.Polling() })
	if !h.session.Connected() {
		t.Fatalf("expected connected after reconnect")
	}
}

func TestGameFinishedFiresWinnerOnce(t *testing.T) {
	h := newHarness(t, RolePlayer)
	h.transport.emit(push.Event{Kind: push.EventConnected})

	h.transport.message(t, push.MessageGameFinished, map[string]any{"round": 3})
	waitFor(t, "winner screen", h.session.WinnerShown)

	h.api.setState(models.GameState{Phase: models.PhaseFinished, RoundNumber: 3})
	if err := h.session.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	h.transport.message(t, push.MessageRoundResult, map[string]any{"round": 3, "next_state": "finished"})
	time.Sleep(20 * time.Millisecond)

	if got := h.history.Count(navigation.ScreenWinner); got != 1 {
		t.Fatalf("expected a single winner navigation, got %d", got)
	}
	if got := h.history.Count(navigation.ScreenRoundResult); got != 0 {
		t.Fatalf("expected no round result view once the game is over, got %d", got)
	}

	final, err := h.session.FinalResults(context.Background())
	if err != nil || final.Winner == nil || *final.Winner != "Thabo" {
		t.Fatalf("unexpected final results %+v, %v", final, err)
	}
}

func TestSuddenDeathEliminationRecheck(t *testing.T) {
	h := newHarness(t, RolePlayer)
	h.transport.emit(push.Event{Kind: push.EventConnected})
	waitFor(t, "initial load", func() bool { return h.api.stateCount() >= 1 })

	h.api.setState(models.GameState{Phase: models.PhaseFinished, RoundNumber: 4})
	h.transport.message(t, push.MessageSuddenDeathEliminated, map[string]any{
		"round":            4,
		"eliminated_names": []string{"ann"},
	})

	h.advanceUntil(t, "winner after recheck", h.session.WinnerShown)
	if got := h.history.Count(navigation.ScreenWinner); got != 1 {
		t.Fatalf("expected one winner navigation, got %d", got)
	}
	if h.session.Eliminated() {
		t.Fatalf("Thabo was not eliminated")
	}
}

func TestHostActionsNeedToken(t *testing.T) {
	h := newHarness(t, RoleHost)

	if err := h.session.HostStart(context.Background()); err != nil {
		t.Fatalf("host start: %v", err)
	}
	if err := h.session.HostNext(context.Background()); err != nil {
		t.Fatalf("host next: %v", err)
	}
	h.api.mu.Lock()
	tokens := append([]string(nil), h.api.hostTokens...)
	h.api.mu.Unlock()
	if len(tokens) != 2 || tokens[0] != "host-secret" {
		t.Fatalf("expected host token on both calls, got %v", tokens)
	}

	if err := h.id.Delete(context.Background(), identity.KeyHostToken); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if err := h.session.HostNext(context.Background()); !errors.Is(err, identity.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if err := h.session.SubmitAnswer(context.Background(), 0); !errors.Is(err, ErrNotPlayer) {
		t.Fatalf("expected ErrNotPlayer, got %v", err)
	}
}

func TestHostGoesToLeaderboard(t *testing.T) {
	h := newHarness(t, RoleHost)
	h.transport.emit(push.Event{Kind: push.EventConnected})

	h.transport.message(t, push.MessageRoundEnded, leaderboardPayload(1))
	waitFor(t, "leaderboard", func() bool { return h.history.Count(navigation.ScreenLeaderboard) == 1 })
	if h.history.Count(navigation.ScreenRoundResult) != 0 {
		t.Fatalf("host must not see the player result view")
	}
}

func TestSubmitIsOptimisticAndRevertsOnFailure(t *testing.T) {
	h := newHarness(t, RolePlayer)
	h.transport.emit(push.Event{Kind: push.EventConnected})
	h.transport.message(t, push.MessageQuestionStarted, map[string]any{
		"round_number": 1, "index": 2, "text": "Q", "time_remaining_ms": 15000,
	})
	waitFor(t, "question", func() bool { _, ok := h.session.Question(); return ok })

	gate := make(chan struct{})
	h.api.mu.Lock()
	h.api.submitGate = gate
	h.api.submitErr = errors.New("rejected")
	h.api.mu.Unlock()

	errs := make(chan error, 1)
	go func() { errs <- h.session.SubmitAnswer(context.Background(), 1) }()
	waitFor(t, "optimistic flag", h.session.Submitted)

	if err := h.session.SubmitAnswer(context.Background(), 2); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected duplicate submission to be refused, got %v", err)
	}

	close(gate)
	if err := <-errs; err == nil {
		t.Fatalf("expected submission error")
	}
	if h.session.Submitted() {
		t.Fatalf("expected flag reverted after a definite failure")
	}

	h.api.mu.Lock()
	h.api.submitGate, h.api.submitErr = nil, nil
	h.api.mu.Unlock()
	if err := h.session.SubmitAnswer(context.Background(), 1); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !h.session.Submitted() {
		t.Fatalf("expected submitted after success")
	}
}

func TestCloseStopsRun(t *testing.T) {
	h := newHarness(t, RolePlayer)
	h.session.Close()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
		h.runErr <- nil
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
	if err := h.session.Run(context.Background()); err == nil {
		t.Fatalf("expected Run after Close to fail")
	}
}

func TestSuddenDeathReplayShowsEachResult(t *testing.T) {
	h := newHarness(t, RolePlayer, withState(models.GameState{
		Phase:                   models.PhaseSuddenDeath,
		RoundNumber:             4,
		Players:                 []models.Player{{Name: "Thabo"}, {Name: "Ann"}},
		SuddenDeathParticipants: []string{"thabo", "ann"},
	}))
	h.transport.emit(push.Event{Kind: push.EventConnected})
	waitFor(t, "initial load", func() bool { return h.api.stateCount() >= 1 })

	h.transport.message(t, push.MessageQuestionStarted, questionPayload(4, 0, "First to answer?"))
	waitFor(t, "first question screen", func() bool { return h.history.Count(navigation.ScreenQuestion) == 1 })

	h.transport.message(t, push.MessageRoundResult, scoredPayload(4, 1, "sudden_death"))
	h.advanceUntil(t, "first result screen", func() bool { return h.history.Count(navigation.ScreenRoundResult) == 1 })
	if res, _ := h.session.Resolution(); res.Result.Leaderboard[0].RoundScore != 1 {
		t.Fatalf("expected first result to resolve, got %+v", res)
	}

	// Still tied: the server asks another question in round 4.
	h.transport.message(t, push.MessageQuestionStarted, questionPayload(4, 0, "Tie breaker?"))
	waitFor(t, "second question screen", func() bool { return h.history.Count(navigation.ScreenQuestion) == 2 })

	h.transport.message(t, push.MessageRoundResult, scoredPayload(4, 9, "sudden_death"))
	h.advanceUntil(t, "second result screen", func() bool { return h.history.Count(navigation.ScreenRoundResult) == 2 })

	res, ok := h.session.Resolution()
	if !ok || res.Round != 4 || res.Pass != 1 || res.Result.Leaderboard[0].RoundScore != 9 {
		t.Fatalf("expected the second result for round 4, got %+v", res)
	}
	want := []navigation.Screen{navigation.ScreenQuestion, navigation.ScreenRoundResult, navigation.ScreenQuestion, navigation.ScreenRoundResult}
	got := h.history.Screens()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDegradedResultTakesHostToWinner(t *testing.T) {
	h := newHarness(t, RoleHost)
	h.api.setResult(models.RoundResult{}, &clients.APIError{StatusCode: http.StatusNotFound, Message: "Not found"})
	h.transport.emit(push.Event{Kind: push.EventConnected})
	waitFor(t, "host quiz screen", func() bool { return h.history.Count(navigation.ScreenHostQuiz) == 1 })

	h.transport.message(t, push.MessageRoundEnded, map[string]any{"round": 1})
	waitFor(t, "leaderboard", func() bool { return h.history.Count(navigation.ScreenLeaderboard) == 1 })

	h.advanceUntil(t, "degraded result", func() bool { return h.session.ResolverState() == results.StateDegraded })
	if h.session.WinnerShown() {
		t.Fatalf("expected the leaderboard to stay up for a while first")
	}

	h.advanceUntil(t, "winner screen", h.session.WinnerShown)
	want := []navigation.Screen{navigation.ScreenHostQuiz, navigation.ScreenLeaderboard, navigation.ScreenWinner}
	got := h.history.Screens()
	if len(got) != len(want) || got[2] != navigation.ScreenWinner {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDegradedResultOffersPlayerRetry(t *testing.T) {
	h := newHarness(t, RolePlayer, withShortPolicy())
	h.api.setResult(models.RoundResult{}, &clients.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "not ready"})
	h.transport.emit(push.Event{Kind: push.EventConnected})
	waitFor(t, "question screen", func() bool { return h.history.Count(navigation.ScreenQuestion) == 1 })

	h.transport.message(t, push.MessageRoundEnded, map[string]any{"round": 1})
	h.advanceUntil(t, "result unavailable screen", func() bool { return h.history.Count(navigation.ScreenResultMissing) == 1 })
	if h.session.WinnerShown() {
		t.Fatalf("a missing mid-game result must not end the game for a player")
	}

	h.api.setResult(models.RoundResult{
		Round:       1,
		Leaderboard: []models.LeaderboardEntry{{Name: "Thabo", RoundScore: 3}},
		NextPhase:   models.PhaseBetweenRounds,
	}, nil)
	h.session.RetryResult(context.Background())
	waitFor(t, "retried result", func() bool { return h.session.ResolverState() == results.StateResolved })
}
