package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

type leaderboardEntryDTO struct {
	Name            string `json:"name"`
	RoundScore      *int   `json:"round_score"`
	RoundScoreCamel *int   `json:"roundScore"`
	Score           *int   `json:"score"`
}

type roundResultDTO struct {
	Round                        *int                  `json:"round"`
	RoundNumber                  *int                  `json:"round_number"`
	RoundNumberCamel             *int                  `json:"roundNumber"`
	Leaderboard                  []leaderboardEntryDTO `json:"leaderboard"`
	EliminatedNames              json.RawMessage       `json:"eliminated_names"`
	EliminatedNamesCamel         json.RawMessage       `json:"eliminatedNames"`
	NextState                    string                `json:"next_state"`
	NextStateCamel               string                `json:"nextState"`
	NextPhase                    string                `json:"next_phase"`
	SuddenDeathPlayers           json.RawMessage       `json:"sudden_death_players"`
	SuddenDeathParticipants      json.RawMessage       `json:"sudden_death_participants"`
	SuddenDeathParticipantsCamel json.RawMessage       `json:"suddenDeathParticipants"`
	Final                        bool                  `json:"final"`
	ResultID                     json.RawMessage       `json:"result_id"`
}

// RoundPayload is a decoded round-end push payload or round_result response, along with the
// hints that tell the resolver how much of it to trust.
type RoundPayload struct {
	Result models.RoundResult

	// HasLeaderboard is true when the payload carried at least one leaderboard row.
	HasLeaderboard bool

	// ExplicitNextState is true when the server named the next phase rather than us defaulting it.
	ExplicitNextState bool

	// Final and ResultID mark a signal whose body must be fetched.
	Final    bool
	ResultID string
}

// DecodeRoundPayload parses a round-end push payload. An empty payload is a bare signal.
func DecodeRoundPayload(raw []byte) (RoundPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return RoundPayload{Result: models.RoundResult{NextPhase: models.PhaseBetweenRounds}}, nil
	}

	var dto roundResultDTO
	if err := json.Unmarshal(Unwrap(trimmed), &dto); err != nil {
		return RoundPayload{}, fmt.Errorf("decode round result: %w", err)
	}

	result := models.RoundResult{
		Round:              firstInt(dto.Round, dto.RoundNumber, dto.RoundNumberCamel),
		Leaderboard:        make([]models.LeaderboardEntry, 0, len(dto.Leaderboard)),
		EliminatedNames:    rawNames(firstRaw(dto.EliminatedNames, dto.EliminatedNamesCamel)),
		SuddenDeathPlayers: NormalizeNames(firstRaw(dto.SuddenDeathPlayers, dto.SuddenDeathParticipants, dto.SuddenDeathParticipantsCamel)),
	}
	for _, e := range dto.Leaderboard {
		result.Leaderboard = append(result.Leaderboard, models.LeaderboardEntry{
			Name:       e.Name,
			RoundScore: firstInt(e.RoundScore, e.RoundScoreCamel, e.Score),
		})
	}

	next := firstString(dto.NextState, dto.NextStateCamel, dto.NextPhase)
	result.NextPhase = NormalizePhase(next)
	explicit := result.NextPhase != models.PhaseUnknown
	if !explicit {
		result.NextPhase = models.PhaseBetweenRounds
	}
	if result.SuddenDeathPlayers == nil {
		result.SuddenDeathPlayers = []string{}
	}

	return RoundPayload{
		Result:            result,
		HasLeaderboard:    len(result.Leaderboard) > 0,
		ExplicitNextState: explicit,
		Final:             dto.Final,
		ResultID:          stringish(dto.ResultID),
	}, nil
}

// DecodeRoundResult parses a round_result fetch response.
func DecodeRoundResult(raw []byte) (models.RoundResult, error) {
	p, err := DecodeRoundPayload(raw)
	if err != nil {
		return models.RoundResult{}, err
	}
	return p.Result, nil
}

// rawNames keeps the server's spelling of eliminated names; comparisons normalize later.
func rawNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if n := nameOf(item); n != "" {
			out = append(out, n)
		}
	}
	return out
}

type finalResultsDTO struct {
	Winner  json.RawMessage `json:"winner"`
	Answers []struct {
		Round             *int   `json:"round"`
		RoundNumber       *int   `json:"round_number"`
		Text              string `json:"text"`
		Question          string `json:"question"`
		CorrectIndex      *int   `json:"correct_index"`
		CorrectIndexCamel *int   `json:"correctIndex"`
	} `json:"answers"`
}

// DecodeFinalResults parses the end-of-game results. A null or blank winner stays nil.
func DecodeFinalResults(raw []byte) (models.FinalResults, error) {
	var dto finalResultsDTO
	if err := json.Unmarshal(Unwrap(raw), &dto); err != nil {
		return models.FinalResults{}, fmt.Errorf("decode final results: %w", err)
	}

	out := models.FinalResults{Answers: make([]models.AnswerKey, 0, len(dto.Answers))}
	if w := firstRaw(dto.Winner); w != nil {
		if name := nameOf(w); name != "" {
			out.Winner = &name
		}
	}
	for _, a := range dto.Answers {
		out.Answers = append(out.Answers, models.AnswerKey{
			Round:        firstInt(a.Round, a.RoundNumber),
			Text:         firstString(a.Text, a.Question),
			CorrectIndex: firstInt(a.CorrectIndex, a.CorrectIndexCamel),
		})
	}
	return out, nil
}

// DecodeCreatedGame parses the response to creating a session.
func DecodeCreatedGame(raw []byte) (models.CreatedGame, error) {
	var dto struct {
		Code              string          `json:"code"`
		HostToken         string          `json:"host_token"`
		HostTokenCamel    string          `json:"hostToken"`
		HostPlayerID      json.RawMessage `json:"host_player_id"`
		HostPlayerIDCamel json.RawMessage `json:"hostPlayerId"`
	}
	if err := json.Unmarshal(Unwrap(raw), &dto); err != nil {
		return models.CreatedGame{}, fmt.Errorf("decode created game: %w", err)
	}
	if dto.Code == "" {
		return models.CreatedGame{}, fmt.Errorf("decode created game: missing code")
	}
	return models.CreatedGame{
		Code:         models.SessionCode(dto.Code),
		HostToken:    firstString(dto.HostToken, dto.HostTokenCamel),
		HostPlayerID: stringish(firstRaw(dto.HostPlayerID, dto.HostPlayerIDCamel)),
	}, nil
}

// DecodeJoinedPlayer parses the response to joining a session.
func DecodeJoinedPlayer(raw []byte) (models.JoinedPlayer, error) {
	var dto struct {
		PlayerID            json.RawMessage `json:"player_id"`
		PlayerIDCamel       json.RawMessage `json:"playerId"`
		ReconnectToken      string          `json:"reconnect_token"`
		ReconnectTokenCamel string          `json:"reconnectToken"`
	}
	if err := json.Unmarshal(Unwrap(raw), &dto); err != nil {
		return models.JoinedPlayer{}, fmt.Errorf("decode joined player: %w", err)
	}
	joined := models.JoinedPlayer{
		PlayerID:       stringish(firstRaw(dto.PlayerID, dto.PlayerIDCamel)),
		ReconnectToken: firstString(dto.ReconnectToken, dto.ReconnectTokenCamel),
	}
	if joined.PlayerID == "" {
		return models.JoinedPlayer{}, fmt.Errorf("decode joined player: missing player id")
	}
	return joined, nil
}
