package reconcile

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

// EffectKind names a side effect the Core must perform after reducing a message.
type EffectKind int

const (
	// EffectLoad asks for a fresh canonical state fetch.
	EffectLoad EffectKind = iota
	// EffectSetQuestion installs Outcome.Question as the current question.
	EffectSetQuestion
	// EffectNewRound re-arms round-result resolution for Outcome.Round.
	EffectNewRound
	// EffectResolveRound hands a round-end signal to the result resolver.
	EffectResolveRound
)

// Outcome is the pure result of reducing one push message.
type Outcome struct {
	// State is non-nil when the message carried a full snapshot that replaces the current state.
	State    *models.GameState
	Question *models.Question
	Round    int
	Signal   *RoundSignal
	Effects  []Effect
}

type Effect struct {
	Kind EffectKind
}

// RoundSignal is a round-end notification handed to the resolver.
type RoundSignal struct {
	Type    push.MessageType
	Source  SignalSource
	Round   int
	Payload wire.RoundPayload
}

// SignalSource records whether a round-end signal came from a push or from polled state.
type SignalSource string

const (
	SourcePush SignalSource = "push"
	SourcePoll SignalSource = "poll"
)

func (o Outcome) Has(kind EffectKind) bool {
	for _, e := range o.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func effects(kinds ...EffectKind) []Effect {
	out := make([]Effect, len(kinds))
	for i, k := range kinds {
		out[i] = Effect{Kind: k}
	}
	return out
}

// Reduce decides what a push message means for the local view. It never performs I/O;
// current is only read, to fill in the round number when a payload omits it.
//
//   - game_state_update with a payload replaces the state outright.
//   - state-change notifications ask for a canonical reload.
//   - question_started is authoritative for the question and starts a new round.
//   - the round-end family is handed to the resolver and leaves the phase alone.
//   - anything else is ignored.
func Reduce(current models.GameState, msg push.Message, now time.Time) Outcome {
	switch msg.Type {
	case push.MessageGameStateUpdate:
		if len(msg.Payload) == 0 {
			return Outcome{}
		}
		state, err := wire.DecodeGameState(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("discarding undecodable game_state_update")
			return Outcome{Effects: effects(EffectLoad)}
		}
		return Outcome{State: &state}

	case push.MessageGameStateChanged,
		push.MessagePlayerJoined,
		push.MessagePlayerReady,
		push.MessagePlayerEliminated,
		push.MessagePlayerRenamed,
		push.MessageRoundStarted:
		return Outcome{Effects: effects(EffectLoad)}

	case push.MessageQuestionStarted:
		q, err := wire.DecodeQuestion(msg.Payload, now)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable question_started, reloading state")
			return Outcome{Effects: effects(EffectLoad)}
		}
		return Outcome{
			Question: &q,
			Round:    q.RoundNumber,
			// The round is re-armed before the question lands so the question belongs to it.
			Effects: effects(EffectNewRound, EffectSetQuestion),
		}

	case push.MessageRoundEnded,
		push.MessageRoundResult,
		push.MessageSuddenDeathEliminated,
		push.MessageGameFinished:
		payload, err := wire.DecodeRoundPayload(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("type", string(msg.Type)).Msg("undecodable round payload, treating as bare signal")
			payload, _ = wire.DecodeRoundPayload(nil)
		}
		if msg.Type == push.MessageGameFinished && !payload.ExplicitNextState {
			payload.Result.NextPhase = models.PhaseFinished
			payload.ExplicitNextState = true
		}
		round := payload.Result.Round
		if round == 0 {
			round = current.RoundNumber
			payload.Result.Round = round
		}
		return Outcome{
			Round: round,
			Signal: &RoundSignal{
				Type:    msg.Type,
				Source:  SourcePush,
				Round:   round,
				Payload: payload,
			},
			Effects: effects(EffectResolveRound),
		}

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
		return Outcome{}
	}
}
