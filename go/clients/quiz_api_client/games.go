package quiz_api_client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcdev12/bokquiz/go/clients"
	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/wire"
)

type createGameRequest struct {
	HostName string `json:"host_name"`
}

type joinRequest struct {
	Name string `json:"name"`
}

type submitRequest struct {
	PlayerID       string `json:"player_id"`
	ReconnectToken string `json:"reconnect_token"`
	SelectedIndex  int    `json:"selected_index"`
}

func path(format string, code models.SessionCode, args ...any) string {
	return fmt.Sprintf(format, append([]any{url.PathEscape(string(code))}, args...)...)
}

func (c *QuizApiClient) CreateGame(ctx context.Context, hostName string) (models.CreatedGame, error) {
	body, err := c.Post(ctx, GamesEndpoint, createGameRequest{HostName: hostName})
	if err != nil {
		return models.CreatedGame{}, fmt.Errorf("failed to create game: %w", err)
	}
	return wire.DecodeCreatedGame(body)
}

func (c *QuizApiClient) JoinGame(ctx context.Context, code models.SessionCode, name string) (models.JoinedPlayer, error) {
	body, err := c.Post(ctx, path(JoinEndpoint, code), joinRequest{Name: name})
	if err != nil {
		return models.JoinedPlayer{}, fmt.Errorf("failed to join game %s: %w", code, err)
	}
	return wire.DecodeJoinedPlayer(body)
}

func (c *QuizApiClient) FetchState(ctx context.Context, code models.SessionCode) (models.GameState, error) {
	body, err := c.Get(ctx, path(StateEndpoint, code))
	if err != nil {
		return models.GameState{}, fmt.Errorf("failed to fetch state for %s: %w", code, err)
	}
	return wire.DecodeGameState(body)
}

func (c *QuizApiClient) HostStart(ctx context.Context, code models.SessionCode, hostToken string) error {
	_, err := c.MakeRequest(ctx, http.MethodPost, path(HostStartEndpoint, code), clients.RequestOptions{
		Headers: map[string]string{HostTokenHeader: hostToken},
	})
	if err != nil {
		return fmt.Errorf("failed to start game %s: %w", code, err)
	}
	return nil
}

func (c *QuizApiClient) HostNext(ctx context.Context, code models.SessionCode, hostToken string) error {
	_, err := c.MakeRequest(ctx, http.MethodPost, path(HostNextEndpoint, code), clients.RequestOptions{
		Headers: map[string]string{HostTokenHeader: hostToken},
	})
	if err != nil {
		return fmt.Errorf("failed to advance game %s: %w", code, err)
	}
	return nil
}

func (c *QuizApiClient) FetchQuestion(ctx context.Context, code models.SessionCode) (models.Question, error) {
	body, err := c.Get(ctx, path(QuestionEndpoint, code))
	if err != nil {
		return models.Question{}, fmt.Errorf("failed to fetch question for %s: %w", code, err)
	}
	return wire.DecodeQuestion(body, c.Clock().Now())
}

func (c *QuizApiClient) SubmitAnswer(ctx context.Context, code models.SessionCode, playerID, reconnectToken string, selectedIndex int) error {
	_, err := c.MakeRequest(ctx, http.MethodPost, path(SubmitEndpoint, code), clients.RequestOptions{
		JSON: submitRequest{
			PlayerID:       playerID,
			ReconnectToken: reconnectToken,
			SelectedIndex:  selectedIndex,
		},
		Timeout: SubmitTimeout,
		Retry:   SubmitRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to submit answer for %s: %w", code, err)
	}
	return nil
}

// FetchRoundResult asks for the most recent round's result. The ts parameter defeats caches
// between the client and the server.
func (c *QuizApiClient) FetchRoundResult(ctx context.Context, code models.SessionCode) (models.RoundResult, error) {
	body, err := c.Get(ctx, path(RoundResultEndpoint, code, c.Clock().Now().UnixMilli()))
	if err != nil {
		return models.RoundResult{}, fmt.Errorf("failed to fetch round result for %s: %w", code, err)
	}
	return wire.DecodeRoundResult(body)
}

func (c *QuizApiClient) FetchFinalResults(ctx context.Context, code models.SessionCode) (models.FinalResults, error) {
	body, err := c.Get(ctx, path(ResultsEndpoint, code))
	if err != nil {
		return models.FinalResults{}, fmt.Errorf("failed to fetch results for %s: %w", code, err)
	}
	return wire.DecodeFinalResults(body)
}
