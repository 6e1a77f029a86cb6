package models

// LeaderboardEntry is one row of a round leaderboard, in server rank order.
type LeaderboardEntry struct {
	Name       string `json:"name"`
	RoundScore int    `json:"round_score"`
}

// RoundResult is the server-computed outcome of a finished round.
type RoundResult struct {
	Round              int                `json:"round"`
	Leaderboard        []LeaderboardEntry `json:"leaderboard"`
	EliminatedNames    []string           `json:"eliminated_names"`
	NextPhase          Phase              `json:"next_phase"`
	SuddenDeathPlayers []string           `json:"sudden_death_players"`
}

// IsEliminated reports whether name was eliminated in this round.
func (r RoundResult) IsEliminated(name string) bool {
	key := NormalizeName(name)
	if key == "" {
		return false
	}
	for _, n := range r.EliminatedNames {
		if NormalizeName(n) == key {
			return true
		}
	}
	return false
}

// DegradedResult is shown when the result never became available.
func DegradedResult(round int) RoundResult {
	return RoundResult{
		Round:       round,
		Leaderboard: []LeaderboardEntry{},
		NextPhase:   PhaseFinished,
	}
}

// AnswerKey is the correct answer for one question, revealed at the end of the game.
type AnswerKey struct {
	Round        int    `json:"round"`
	Text         string `json:"text"`
	CorrectIndex int    `json:"correct_index"`
}

// FinalResults is the end-of-game summary. Winner is nil until the server has decided it.
type FinalResults struct {
	Winner  *string     `json:"winner,omitempty"`
	Answers []AnswerKey `json:"answers"`
}

// CreatedGame is returned to the host when a session is created.
type CreatedGame struct {
	Code         SessionCode `json:"code"`
	HostToken    string      `json:"host_token"`
	HostPlayerID string      `json:"host_player_id"`
}

// JoinedPlayer is returned to a player after joining.
type JoinedPlayer struct {
	PlayerID       string `json:"player_id"`
	ReconnectToken string `json:"reconnect_token"`
}
