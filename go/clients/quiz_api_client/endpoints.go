package quiz_api_client

import "time"

const (
	// API Endpoints
	GamesEndpoint       = "/api/v1/games"
	StateEndpoint       = "/api/v1/games/%s/state"
	JoinEndpoint        = "/api/v1/games/%s/join"
	HostStartEndpoint   = "/api/v1/games/%s/host_start"
	HostNextEndpoint    = "/api/v1/games/%s/host_next"
	QuestionEndpoint    = "/api/v1/games/%s/question"
	SubmitEndpoint      = "/api/v1/games/%s/submit"
	RoundResultEndpoint = "/api/v1/games/%s/round_result?ts=%d"
	ResultsEndpoint     = "/api/v1/games/%s/results"

	// Headers
	HostTokenHeader = "X-Host-Token"
	AcceptHeader    = "Accept"
	JSONContentType = "application/json"

	// Answer submission is time-critical: short timeout, one retry.
	SubmitTimeout = 2500 * time.Millisecond
	SubmitRetries = 1
)
