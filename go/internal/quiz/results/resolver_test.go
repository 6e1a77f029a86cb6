package results

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/bokquiz/go/clients"
	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

type resultReply struct {
	result models.RoundResult
	err    error
}

type fakeResults struct {
	mu      sync.Mutex
	replies []resultReply
	calls   int
}

func (f *fakeResults) FetchRoundResult(ctx context.Context, code models.SessionCode) (models.RoundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i].result, f.replies[i].err
}

func (f *fakeResults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(ctx context.Context, wait time.Duration) error {
	d.mu.Lock()
	d.delays = append(d.delays, wait)
	d.mu.Unlock()
	return ctx.Err()
}

func (d *delayRecorder) recorded() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func notReady() error {
	return &clients.APIError{StatusCode: http.StatusNotFound, Message: "Not found"}
}

func fullResult(round int) models.RoundResult {
	return models.RoundResult{
		Round:       round,
		Leaderboard: []models.LeaderboardEntry{{Name: "Ann", RoundScore: 4}},
		NextPhase:   models.PhaseBetweenRounds,
	}
}

func testConfig(policy Policy, d *delayRecorder) Config {
	return Config{
		Policy: policy,
		Delay:  d.sleep,
		Jitter: func(max time.Duration) time.Duration { return max },
	}
}

func waitResolution(t *testing.T, r *Resolver, round int) Resolution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.Wait(ctx, round)
	if err != nil {
		t.Fatalf("waiting for round %d: %v", round, err)
	}
	return res
}

func TestPolicyDelayIsMonotoneAndCapped(t *testing.T) {
	for _, p := range []Policy{HostPolicy, PlayerPolicy, WinnerPolicy} {
		var prev time.Duration
		for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
			jitter := time.Duration(0)
			if attempt%2 == 0 {
				jitter = p.MaxJitter
			}
			d := p.Delay(attempt, prev, jitter)
			if d < prev {
				t.Fatalf("attempt %d: delay shrank from %v to %v", attempt, prev, d)
			}
			if d > p.Max {
				t.Fatalf("attempt %d: delay %v above cap %v", attempt, d, p.Max)
			}
			prev = d
		}
	}

	if got := HostPolicy.Delay(1, 0, 0); got != 300*time.Millisecond {
		t.Fatalf("expected first host delay of 300ms, got %v", got)
	}
}

func TestFastPathResolvesWithoutFetch(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: errors.New("should not be called")}}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	var got []Resolution
	r.OnResolved(func(res Resolution) { got = append(got, res) })

	r.Trigger(reconcile.RoundSignal{
		Source: reconcile.SourcePush,
		Round:  1,
		Payload: wire.RoundPayload{
			Result:         fullResult(1),
			HasLeaderboard: true,
		},
	})

	if len(got) != 1 || got[0].State != StateResolved {
		t.Fatalf("expected one immediate resolution, got %+v", got)
	}
	if f.count() != 0 {
		t.Fatalf("expected no fetch, got %d", f.count())
	}
	if r.State() != StateResolved {
		t.Fatalf("expected resolved state, got %s", r.State())
	}
}

func TestFinishedPayloadResolvesEvenWhenEmpty(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: notReady()}}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{
		Round: 4,
		Payload: wire.RoundPayload{
			Result:            models.RoundResult{NextPhase: models.PhaseFinished},
			ExplicitNextState: true,
		},
	})

	res, ok := r.Last()
	if !ok || !res.Finished() || res.Result.Round != 4 {
		t.Fatalf("expected finished resolution for round 4, got %+v", res)
	}
	if res.Result.Leaderboard == nil || f.count() != 0 {
		t.Fatalf("expected empty leaderboard and no fetch")
	}
}

func TestNotReadyBacksOffThenResolves(t *testing.T) {
	f := &fakeResults{replies: []resultReply{
		{err: notReady()},
		{err: notReady()},
		{err: &clients.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "Game is not between rounds"}},
		{result: models.RoundResult{Round: 2, Leaderboard: []models.LeaderboardEntry{}}},
		{result: fullResult(2)},
	}}
	d := &delayRecorder{}
	counters := metrics.NewCounters()
	cfg := testConfig(PlayerPolicy, d)
	cfg.Metrics = counters
	r := NewResolver("DEMO123", f, cfg)
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 2})
	res := waitResolution(t, r, 2)

	if res.State != StateResolved || res.Attempts != 5 {
		t.Fatalf("expected resolution on the fifth attempt, got %+v", res)
	}
	delays := d.recorded()
	if len(delays) != 4 {
		t.Fatalf("expected 4 waits, got %v", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] || delays[i] > PlayerPolicy.Max {
			t.Fatalf("expected non-decreasing capped waits, got %v", delays)
		}
	}
	if counters.Get("resolution.resolved") != 1 {
		t.Fatalf("expected resolution to be counted, got %v", counters.Snapshot())
	}
}

func TestExhaustionDegrades(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: notReady()}}}
	d := &delayRecorder{}
	r := NewResolver("DEMO123", f, testConfig(HostPolicy, d))
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{Round: 3})
	res := waitResolution(t, r, 3)

	if res.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", res.State)
	}
	if res.Result.NextPhase != models.PhaseFinished || len(res.Result.Leaderboard) != 0 {
		t.Fatalf("expected empty finished result, got %+v", res.Result)
	}
	if f.count() != HostPolicy.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", HostPolicy.MaxAttempts, f.count())
	}
	if got := len(d.recorded()); got != HostPolicy.MaxAttempts-1 {
		t.Fatalf("expected %d waits, got %d", HostPolicy.MaxAttempts-1, got)
	}
}

func TestDefiniteErrorFailsAndRetryRecovers(t *testing.T) {
	f := &fakeResults{replies: []resultReply{
		{err: &clients.APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}},
		{result: fullResult(1)},
	}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{Round: 1})
	res := waitResolution(t, r, 1)
	if res.State != StateFailed || res.Err == nil || res.Attempts != 1 {
		t.Fatalf("expected failure after one attempt, got %+v", res)
	}

	// Further signals for the round do not restart fetching.
	r.Trigger(reconcile.RoundSignal{Round: 1})
	if f.count() != 1 {
		t.Fatalf("expected no retry without user action, got %d fetches", f.count())
	}

	done := make(chan Resolution, 1)
	r.OnResolved(func(res Resolution) { done <- res })
	r.Retry(context.Background())
	select {
	case res := <-done:
		if res.State != StateResolved {
			t.Fatalf("expected retry to resolve, got %s", res.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry never resolved")
	}
}

func TestDuplicateSignalsResolveOnce(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{result: fullResult(2)}}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	var mu sync.Mutex
	count := 0
	r.OnResolved(func(Resolution) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	full := reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 1, Payload: wire.RoundPayload{Result: fullResult(1), HasLeaderboard: true}}
	r.Trigger(full)
	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePoll, Round: 1})
	r.Trigger(full)

	mu.Lock()
	if count != 1 {
		t.Fatalf("expected exactly one resolution, got %d", count)
	}
	mu.Unlock()

	// A repeated NewRound for the same round does not re-arm twice; a new round does.
	r.NewRound(2)
	r.NewRound(2)
	r.Trigger(reconcile.RoundSignal{Round: 2})
	waitResolution(t, r, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 2 {
			return
		}
		if n > 2 || time.Now().After(deadline) {
			t.Fatalf("expected second round to resolve once, got %d resolutions", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type blockingResults struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingResults) FetchRoundResult(ctx context.Context, code models.SessionCode) (models.RoundResult, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return fullResult(1), nil
	case <-ctx.Done():
		return models.RoundResult{}, ctx.Err()
	}
}

func TestLaterRoundIsQueuedBehindActiveResolution(t *testing.T) {
	b := &blockingResults{release: make(chan struct{}), started: make(chan struct{}, 4)}
	r := NewResolver("DEMO123", b, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	order := make(chan int, 2)
	r.OnResolved(func(res Resolution) { order <- res.Round })

	r.Trigger(reconcile.RoundSignal{Round: 1})
	<-b.started
	if r.State() != StateFetching {
		t.Fatalf("expected fetching, got %s", r.State())
	}

	r.Trigger(reconcile.RoundSignal{Round: 2, Payload: wire.RoundPayload{Result: fullResult(2), HasLeaderboard: true}})
	select {
	case round := <-order:
		t.Fatalf("round %d resolved while round 1 was still active", round)
	default:
	}

	close(b.release)
	for _, want := range []int{1, 2} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("expected round %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for round %d", want)
		}
	}
}

func TestPushedLeaderboardBeatsFetch(t *testing.T) {
	b := &blockingResults{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r := NewResolver("DEMO123", b, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{Round: 1})
	<-b.started

	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 1, Payload: wire.RoundPayload{Result: fullResult(1), HasLeaderboard: true}})
	res, ok := r.Last()
	if !ok || res.Source != reconcile.SourcePush || res.State != StateResolved {
		t.Fatalf("expected push to resolve the round, got %+v", res)
	}
}

func TestAwaitFetchesWhenNoPushArrives(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{result: fullResult(1)}}}
	d := &delayRecorder{}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, d))
	defer r.Close()

	r.Await(1, 800*time.Millisecond)
	res := waitResolution(t, r, 1)
	if res.State != StateResolved || f.count() != 1 {
		t.Fatalf("expected fallback fetch to resolve, got %+v after %d fetches", res, f.count())
	}
	if delays := d.recorded(); len(delays) == 0 || delays[0] != 800*time.Millisecond {
		t.Fatalf("expected initial wait of 800ms, got %v", delays)
	}
}

func TestCloseStopsRetries(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: notReady()}}}
	started := make(chan struct{}, 1)
	cfg := testConfig(PlayerPolicy, &delayRecorder{})
	cfg.Delay = func(ctx context.Context, d time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	r := NewResolver("DEMO123", f, cfg)

	var resolved bool
	r.OnResolved(func(Resolution) { resolved = true })
	r.Trigger(reconcile.RoundSignal{Round: 1})
	<-started
	r.Close()

	if resolved {
		t.Fatalf("expected no resolution after close")
	}
	if f.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", f.count())
	}
}

func TestReplayedRoundResolvesAgain(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: notReady()}}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	scored := func(score int) reconcile.RoundSignal {
		result := models.RoundResult{
			Round:       4,
			Leaderboard: []models.LeaderboardEntry{{Name: "Thabo", RoundScore: score}},
			NextPhase:   models.PhaseSuddenDeath,
		}
		return reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 4, Payload: wire.RoundPayload{Result: result, HasLeaderboard: true}}
	}

	if !r.NewRound(4) {
		t.Fatalf("expected round 4 to arm")
	}
	r.Trigger(scored(1))
	first := waitResolution(t, r, 4)
	if first.Pass != 0 || first.Result.Leaderboard[0].RoundScore != 1 {
		t.Fatalf("unexpected first resolution: %+v", first)
	}

	// Sudden death asks another question in the same round.
	if !r.NewRound(4) {
		t.Fatalf("expected resolved round 4 to re-arm")
	}
	if r.NewRound(4) {
		t.Fatalf("expected a second re-arm before resolution to be ignored")
	}
	if r.State() != StateIdle || r.Pass() != 1 {
		t.Fatalf("expected idle second pass, got %s pass %d", r.State(), r.Pass())
	}

	r.Trigger(scored(9))
	second := waitResolution(t, r, 4)
	if second.Pass != 1 || second.Result.Leaderboard[0].RoundScore != 9 {
		t.Fatalf("expected the replay's own result, got %+v", second)
	}
	if f.count() != 0 {
		t.Fatalf("expected pushed leaderboards to skip fetching, got %d fetches", f.count())
	}
}

func TestReplayedRoundIgnoresPreviousResult(t *testing.T) {
	previous := models.RoundResult{
		Round:       4,
		Leaderboard: []models.LeaderboardEntry{{Name: "Thabo", RoundScore: 1}},
		NextPhase:   models.PhaseSuddenDeath,
	}
	latest := models.RoundResult{
		Round:       4,
		Leaderboard: []models.LeaderboardEntry{{Name: "Thabo", RoundScore: 9}},
		NextPhase:   models.PhaseFinished,
	}
	f := &fakeResults{replies: []resultReply{{result: previous}, {result: latest}}}
	r := NewResolver("DEMO123", f, testConfig(PlayerPolicy, &delayRecorder{}))
	defer r.Close()

	r.NewRound(4)
	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 4, Payload: wire.RoundPayload{Result: previous, HasLeaderboard: true}})
	waitResolution(t, r, 4)

	r.NewRound(4)
	r.Trigger(reconcile.RoundSignal{Source: reconcile.SourcePush, Round: 4})
	res := waitResolution(t, r, 4)
	if res.Attempts != 2 || !res.Finished() {
		t.Fatalf("expected the previous pass's result to be skipped, got %+v", res)
	}
}

func TestRetryAfterDegraded(t *testing.T) {
	f := &fakeResults{replies: []resultReply{{err: notReady()}}}
	r := NewResolver("DEMO123", f, testConfig(HostPolicy, &delayRecorder{}))
	defer r.Close()

	r.Trigger(reconcile.RoundSignal{Round: 2})
	if res := waitResolution(t, r, 2); !res.Degraded() {
		t.Fatalf("expected degraded, got %s", res.State)
	}

	f.mu.Lock()
	f.replies = append(f.replies, resultReply{result: fullResult(2)})
	f.mu.Unlock()

	done := make(chan Resolution, 1)
	r.OnResolved(func(res Resolution) { done <- res })
	r.Retry(context.Background())
	select {
	case res := <-done:
		if res.State != StateResolved {
			t.Fatalf("expected retry to resolve, got %s", res.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry never resolved")
	}
}
