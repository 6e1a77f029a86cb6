package suddendeath

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/identity"
	"github.com/mcdev12/bokquiz/go/internal/quiz/reconcile"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

// Round is the round number the server uses for sudden-death questions.
const Round = 4

// Contains reports whether name is on roster, ignoring case and surrounding whitespace.
func Contains(roster []string, name string) bool {
	key := models.NormalizeName(name)
	if key == "" {
		return false
	}
	for _, r := range roster {
		if models.NormalizeName(r) == key {
			return true
		}
	}
	return false
}

// NormalizeRoster accepts a JSON list of names or {name} objects and returns lowercase,
// trimmed names.
func NormalizeRoster(raw json.RawMessage) []string {
	return wire.NormalizeNames(raw)
}

// IsSuddenDeathQuestion reports whether q belongs to the sudden-death round.
func IsSuddenDeathQuestion(q models.Question, state models.GameState) bool {
	return state.Phase == models.PhaseSuddenDeath || q.RoundNumber >= Round
}

// Gate tracks whether the local player takes part in the current sudden-death round. Values
// seen in push payloads are provisional; only a fetched state in the sudden_death phase
// confirms them.
type Gate struct {
	id *identity.Context

	mu            sync.Mutex
	confirmed     bool
	lastNextPhase models.Phase
}

func NewGate(id *identity.Context) *Gate {
	return &Gate{id: id}
}

// ObserveState applies an authoritative state. It reports whether the state was in
// sudden death, and if so whether the local player is in it.
func (g *Gate) ObserveState(ctx context.Context, state models.GameState) (in, applied bool) {
	if state.Phase != models.PhaseSuddenDeath {
		return false, false
	}
	in = Contains(state.SuddenDeathParticipants, g.id.PlayerName())

	g.mu.Lock()
	g.confirmed = true
	g.mu.Unlock()

	g.store(ctx, in, "state")
	return in, true
}

// ObserveResult remembers the next phase announced by a resolved round result and applies its
// sudden-death roster provisionally.
func (g *Gate) ObserveResult(ctx context.Context, result models.RoundResult) {
	g.mu.Lock()
	g.lastNextPhase = result.NextPhase
	g.mu.Unlock()

	if len(result.SuddenDeathPlayers) > 0 {
		g.ObservePush(ctx, "", result.SuddenDeathPlayers, result.NextPhase)
	}
}

// ObservePush applies a roster carried by a push payload. It is ignored unless the payload's
// declared phase, its next phase, or the last resolved next phase is sudden death, and it
// never overrides a confirmed value.
func (g *Gate) ObservePush(ctx context.Context, declared models.Phase, roster []string, nextPhase models.Phase) {
	g.mu.Lock()
	relevant := declared == models.PhaseSuddenDeath ||
		nextPhase == models.PhaseSuddenDeath ||
		g.lastNextPhase == models.PhaseSuddenDeath
	confirmed := g.confirmed
	g.mu.Unlock()

	if !relevant || confirmed || roster == nil {
		return
	}
	g.store(ctx, Contains(roster, g.id.PlayerName()), "push")
}

// Decide returns whether the local player should see sudden-death questions. Unless the value
// is already confirmed it is re-checked against a fresh state. A failed fetch routes the
// player to the waiting screen.
func (g *Gate) Decide(ctx context.Context, fetcher reconcile.StateFetcher) bool {
	g.mu.Lock()
	confirmed := g.confirmed
	g.mu.Unlock()

	if confirmed {
		in, _ := g.id.InSuddenDeath()
		return in
	}

	state, err := fetcher.FetchState(ctx, g.id.GameCode())
	if err != nil {
		log.Warn().Err(err).Str("game_code", string(g.id.GameCode())).Msg("sudden death check failed, treating as spectator")
		return false
	}
	if in, applied := g.ObserveState(ctx, state); applied {
		return in
	}

	in, known := g.id.InSuddenDeath()
	return known && in
}

// Confirmed reports whether the stored value came from a sudden-death state.
func (g *Gate) Confirmed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.confirmed
}

// Expire drops confirmation so the next Decide re-reads state. The stored value is kept.
func (g *Gate) Expire() {
	g.mu.Lock()
	g.confirmed = false
	g.mu.Unlock()
}

// ResetForRound forgets participation when a regular round starts.
func (g *Gate) ResetForRound(ctx context.Context) {
	g.mu.Lock()
	g.confirmed = false
	g.lastNextPhase = models.PhaseUnknown
	g.mu.Unlock()

	if err := g.id.ClearSuddenDeath(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear sudden death flag")
	}
}

func (g *Gate) store(ctx context.Context, in bool, source string) {
	if err := g.id.SetInSuddenDeath(ctx, in); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("failed to store sudden death flag")
		return
	}
	log.Debug().
		Str("game_code", string(g.id.GameCode())).
		Bool("in_sudden_death", in).
		Str("source", source).
		Msg("sudden death participation updated")
}
