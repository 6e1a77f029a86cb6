package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status code: %d, message: %s", e.StatusCode, e.Message)
}

// NetworkError wraps a failure to reach the server or read its response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("failed to make request: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// errorMessage pulls a human message out of an error body. The server uses
// {"message": ...}, {"error": "..."} and {"error": {"message": ...}}, sometimes under "data".
func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Data    *struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if len(payload.Error) > 0 {
			var s string
			if err := json.Unmarshal(payload.Error, &s); err == nil && s != "" {
				return s
			}
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
		}
		if payload.Data != nil {
			if payload.Data.Message != "" {
				return payload.Data.Message
			}
			if payload.Data.Error != "" {
				return payload.Data.Error
			}
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "<") {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}
