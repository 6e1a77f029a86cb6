package models

import (
	"strings"
	"time"
)

// SessionCode identifies one live quiz session. Everything the client keeps is scoped to a code.
type SessionCode string

// Phase is the normalized game phase.
type Phase string

const (
	PhaseUnknown       Phase = ""
	PhaseLobby         Phase = "lobby"
	PhaseActive        Phase = "active"
	PhaseRoundEnded    Phase = "round_ended"
	PhaseBetweenRounds Phase = "between_rounds"
	PhaseSuddenDeath   Phase = "sudden_death"
	PhaseFinished      Phase = "finished"
)

// IsResultPhase reports whether a round result is expected to exist (or be about to exist) on the server.
func (p Phase) IsResultPhase() bool {
	return p == PhaseRoundEnded || p == PhaseBetweenRounds
}

// IsPlaying reports whether questions are being asked.
func (p Phase) IsPlaying() bool {
	return p == PhaseActive || p == PhaseSuddenDeath
}

// Player is one participant as reported by the server.
type Player struct {
	Name       string `json:"name"`
	Ready      bool   `json:"ready"`
	Eliminated bool   `json:"eliminated"`
	IsHost     bool   `json:"is_host"`
}

// GameState is the server-authoritative snapshot of a session.
type GameState struct {
	Phase                   Phase    `json:"phase"`
	RoundNumber             int      `json:"round_number"`
	CurrentQuestionIndex    int      `json:"current_question_index"`
	TimeRemainingMs         int64    `json:"time_remaining_ms"`
	Players                 []Player `json:"players"`
	SuddenDeathParticipants []string `json:"sudden_death_participants"`
}

// Clone returns a deep copy so readers never share slices with the owner.
func (s GameState) Clone() GameState {
	out := s
	if s.Players != nil {
		out.Players = append([]Player(nil), s.Players...)
	}
	if s.SuddenDeathParticipants != nil {
		out.SuddenDeathParticipants = append([]string(nil), s.SuddenDeathParticipants...)
	}
	return out
}

// FindPlayer looks a player up by name, ignoring case and surrounding whitespace.
func (s GameState) FindPlayer(name string) (Player, bool) {
	key := NormalizeName(name)
	for _, p := range s.Players {
		if NormalizeName(p.Name) == key {
			return p, true
		}
	}
	return Player{}, false
}

// Question is the currently displayed question. EndsAt is absolute; zero means the server gave no deadline.
type Question struct {
	RoundNumber int       `json:"round_number"`
	Index       int       `json:"index"`
	Text        string    `json:"text"`
	Options     []string  `json:"options"`
	EndsAt      time.Time `json:"ends_at"`
}

func (q Question) HasDeadline() bool {
	return !q.EndsAt.IsZero()
}

// NormalizeName is the canonical form used for every name comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
