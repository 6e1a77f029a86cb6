package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// transientStatuses are retried when the caller asked for retries.
var transientStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// BaseRetryDelay is the first backoff step; each further retry doubles it.
const BaseRetryDelay = 200 * time.Millisecond

type BaseClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
	clock   clockwork.Clock
}

// RequestOptions tunes a single request. The zero value sends no body, uses the client
// timeout and does not retry.
type RequestOptions struct {
	Headers map[string]string
	JSON    any
	Timeout time.Duration
	Retry   int
}

func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
		clock:   clockwork.NewRealClock(),
	}
}

func (c *BaseClient) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *BaseClient) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

// Clock is the clock used for retry backoff and request timestamps.
func (c *BaseClient) Clock() clockwork.Clock {
	return c.clock
}

func (c *BaseClient) SetHTTPClient(client *http.Client) {
	c.client = client
}

func (c *BaseClient) BaseURL() string {
	return c.baseURL
}

// MakeRequest sends a request and returns the body of a 2xx response.
// Non-2xx responses come back as *APIError. With opts.Retry > 0, 429/503/504 responses and
// network failures are retried after 200ms, 400ms, 800ms, ...
func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, opts RequestOptions) ([]byte, error) {
	var payload []byte
	if opts.JSON != nil {
		encoded, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = encoded
	}

	maxAttempts := opts.Retry + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, err := c.do(ctx, method, endpoint, payload, opts)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == maxAttempts || !retryable(err, status) {
			return nil, err
		}

		backoff := BaseRetryDelay * time.Duration(1<<(attempt-1))
		log.Debug().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient request failure, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(backoff):
		}
	}

	return nil, lastErr
}

func (c *BaseClient) do(ctx context.Context, method, endpoint string, payload []byte, opts RequestOptions) ([]byte, int, error) {
	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.StatusCode, responseBody),
			Body:       responseBody,
		}
	}

	return responseBody, resp.StatusCode, nil
}

func retryable(err error, status int) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return transientStatuses[status]
}

func (c *BaseClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodGet, endpoint, RequestOptions{})
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, RequestOptions{JSON: body})
}
