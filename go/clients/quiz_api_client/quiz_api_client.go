package quiz_api_client

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mcdev12/bokquiz/go/clients"
)

type QuizApiClient struct {
	*clients.BaseClient
}

func NewQuizApiClient(baseURL string) *QuizApiClient {
	client := &QuizApiClient{
		BaseClient: clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
	}

	client.SetHeader(AcceptHeader, JSONContentType)

	return client
}

// IsNotReady reports whether err means the requested data does not exist yet but will soon:
// HTTP 404 or 422, or a server message saying the game is not between rounds.
func IsNotReady(err error) bool {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "not between rounds")
}
