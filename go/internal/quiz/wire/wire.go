// Package wire is the one place that knows about the server's JSON field spellings.
//
// The backend has shipped snake_case and camelCase variants of most fields, wraps some
// responses in a {"data": ...} envelope, and reports participants either as plain names or
// as {"name": ...} objects. Everything past this package sees only the normalized models.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// Unwrap returns the object under a top-level "data" key, or raw unchanged.
func Unwrap(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return raw
	}
	inner, ok := envelope["data"]
	if !ok {
		return raw
	}
	inner = bytes.TrimSpace(inner)
	if len(inner) == 0 || inner[0] != '{' {
		return raw
	}
	return inner
}

// NormalizePhase maps every status spelling the server uses onto a Phase.
// Unrecognized values map to PhaseUnknown.
func NormalizePhase(status string) models.Phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "lobby", "waiting", "pending", "created":
		return models.PhaseLobby
	case "active", "in_progress", "started", "question", "playing":
		return models.PhaseActive
	case "round_ended", "round_end":
		return models.PhaseRoundEnded
	case "between_rounds", "results_available", "round_results":
		return models.PhaseBetweenRounds
	case "sudden_death":
		return models.PhaseSuddenDeath
	case "finished", "completed", "game_over", "ended":
		return models.PhaseFinished
	default:
		return models.PhaseUnknown
	}
}

// NormalizeNames accepts a JSON array whose items are strings or {"name": ...} objects and
// returns lowercase-trimmed names, dropping blanks and duplicates.
func NormalizeNames(raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		name := models.NormalizeName(nameOf(item))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func nameOf(item json.RawMessage) string {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(item, &obj); err == nil {
		return obj.Name
	}
	return ""
}

// stringish renders a JSON string or number as a Go string. Ids come back as either.
func stringish(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			if *v < 0 {
				return 0
			}
			return *v
		}
	}
	return 0
}

func firstInt64(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			if *v < 0 {
				return 0
			}
			return *v
		}
	}
	return 0
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(bytes.TrimSpace(v)) > 0 && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return v
		}
	}
	return nil
}

type playerDTO struct {
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	Eliminated  bool   `json:"eliminated"`
	IsHost      *bool  `json:"is_host"`
	IsHostCamel *bool  `json:"isHost"`
}

type stateDTO struct {
	Status                       string          `json:"status"`
	Phase                        string          `json:"phase"`
	RoundNumber                  *int            `json:"round_number"`
	RoundNumberCamel             *int            `json:"roundNumber"`
	CurrentQuestionIndex         *int            `json:"current_question_index"`
	CurrentQuestionIndexCamel    *int            `json:"currentQuestionIndex"`
	TimeRemainingMs              *int64          `json:"time_remaining_ms"`
	TimeRemainingMsCamel         *int64          `json:"timeRemainingMs"`
	Players                      []playerDTO     `json:"players"`
	SuddenDeathParticipants      json.RawMessage `json:"sudden_death_participants"`
	SuddenDeathParticipantsCamel json.RawMessage `json:"suddenDeathParticipants"`
}

// DecodeGameState parses a state response or a game_state_update payload.
func DecodeGameState(raw []byte) (models.GameState, error) {
	var dto stateDTO
	if err := json.Unmarshal(Unwrap(raw), &dto); err != nil {
		return models.GameState{}, fmt.Errorf("decode game state: %w", err)
	}

	state := models.GameState{
		Phase:                   NormalizePhase(firstString(dto.Status, dto.Phase)),
		RoundNumber:             firstInt(dto.RoundNumber, dto.RoundNumberCamel),
		CurrentQuestionIndex:    firstInt(dto.CurrentQuestionIndex, dto.CurrentQuestionIndexCamel),
		TimeRemainingMs:         firstInt64(dto.TimeRemainingMs, dto.TimeRemainingMsCamel),
		SuddenDeathParticipants: NormalizeNames(firstRaw(dto.SuddenDeathParticipants, dto.SuddenDeathParticipantsCamel)),
	}

	// Names are unique; a repeated name from the server keeps its first entry.
	seen := make(map[string]struct{}, len(dto.Players))
	state.Players = make([]models.Player, 0, len(dto.Players))
	for _, p := range dto.Players {
		key := models.NormalizeName(p.Name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		isHost := false
		if p.IsHost != nil {
			isHost = *p.IsHost
		} else if p.IsHostCamel != nil {
			isHost = *p.IsHostCamel
		}
		state.Players = append(state.Players, models.Player{
			Name:       strings.TrimSpace(p.Name),
			Ready:      p.Ready,
			Eliminated: p.Eliminated,
			IsHost:     isHost,
		})
	}
	if state.SuddenDeathParticipants == nil {
		state.SuddenDeathParticipants = []string{}
	}

	return state, nil
}

type questionDTO struct {
	RoundNumber          *int            `json:"round_number"`
	RoundNumberCamel     *int            `json:"roundNumber"`
	Round                *int            `json:"round"`
	Index                *int            `json:"index"`
	QuestionIndex        *int            `json:"question_index"`
	Text                 string          `json:"text"`
	Question             json.RawMessage `json:"question"`
	Options              []string        `json:"options"`
	EndsAt               string          `json:"ends_at"`
	EndsAtCamel          string          `json:"endsAt"`
	TimeRemainingMs      *int64          `json:"time_remaining_ms"`
	TimeRemainingMsCamel *int64          `json:"timeRemainingMs"`
}

// DecodeQuestion parses a question_started payload or a question fetch response.
// A relative time_remaining_ms is converted to an absolute deadline against now.
// A missing or unparseable deadline leaves EndsAt zero.
func DecodeQuestion(raw []byte, now time.Time) (models.Question, error) {
	var dto questionDTO
	if err := json.Unmarshal(Unwrap(raw), &dto); err != nil {
		return models.Question{}, fmt.Errorf("decode question: %w", err)
	}

	// Some broadcasts nest the whole question under "question".
	if q := bytes.TrimSpace(dto.Question); len(q) > 0 && q[0] == '{' {
		return DecodeQuestion(q, now)
	}

	text := dto.Text
	if text == "" {
		text = stringish(dto.Question)
	}

	q := models.Question{
		RoundNumber: firstInt(dto.RoundNumber, dto.RoundNumberCamel, dto.Round),
		Index:       firstInt(dto.Index, dto.QuestionIndex),
		Text:        text,
		Options:     dto.Options,
	}
	if q.Options == nil {
		q.Options = []string{}
	}

	if endsAt := firstString(dto.EndsAt, dto.EndsAtCamel); endsAt != "" {
		if t, err := ParseTime(endsAt); err == nil {
			q.EndsAt = t
		}
	}
	if q.EndsAt.IsZero() {
		if dto.TimeRemainingMs != nil || dto.TimeRemainingMsCamel != nil {
			ms := firstInt64(dto.TimeRemainingMs, dto.TimeRemainingMsCamel)
			q.EndsAt = now.Add(time.Duration(ms) * time.Millisecond)
		}
	}

	return q, nil
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds, and unix milliseconds.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
