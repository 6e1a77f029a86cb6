// Package status serves a read-only HTTP view of a running session, for overlays and
// operators.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/results"
)

// Source is the part of a session the status server reads.
type Source interface {
	Code() models.SessionCode
	State() (models.GameState, bool)
	Question() (models.Question, bool)
	Resolution() (results.Resolution, bool)
	ResolverState() results.State
	Connected() bool
	Polling() bool
	Remaining() int
	Err() error
}

// Stats supplies counters for /api/session/stats.
type Stats interface {
	Snapshot() map[string]int64
}

type stateResponse struct {
	Code      models.SessionCode `json:"code"`
	Connected bool               `json:"connected"`
	Polling   bool               `json:"polling"`
	Error     string             `json:"error,omitempty"`
	State     *models.GameState  `json:"state"`
	Question  *models.Question   `json:"question"`
	Remaining int                `json:"time_remaining_seconds"`
}

type roundResultResponse struct {
	Status   results.State       `json:"status"`
	Round    int                 `json:"round,omitempty"`
	Pass     int                 `json:"pass,omitempty"`
	Attempts int                 `json:"attempts,omitempty"`
	Error    string              `json:"error,omitempty"`
	Result   *models.RoundResult `json:"result"`
}

// NewHandler returns the status routes.
func NewHandler(src Source, stats Stats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Warn().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("GET /api/session/state", func(w http.ResponseWriter, r *http.Request) {
		resp := stateResponse{
			Code:      src.Code(),
			Connected: src.Connected(),
			Polling:   src.Polling(),
			Remaining: src.Remaining(),
		}
		if err := src.Err(); err != nil {
			resp.Error = err.Error()
		}
		if state, ok := src.State(); ok {
			resp.State = &state
		}
		if q, ok := src.Question(); ok {
			resp.Question = &q
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/session/round-result", func(w http.ResponseWriter, r *http.Request) {
		resp := roundResultResponse{Status: src.ResolverState()}
		if res, ok := src.Resolution(); ok {
			resp.Round = res.Round
			resp.Pass = res.Pass
			resp.Attempts = res.Attempts
			if res.Err != nil {
				resp.Error = res.Err.Error()
			}
			if res.State != results.StateFailed {
				result := res.Result
				resp.Result = &result
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/session/stats", func(w http.ResponseWriter, r *http.Request) {
		counts := map[string]int64{}
		if stats != nil {
			counts = stats.Snapshot()
		}
		writeJSON(w, http.StatusOK, counts)
	})

	return mux
}

// NewServer wraps handler with CORS and h2c so browsers and HTTP/2 clients can both read it.
func NewServer(addr string, handler http.Handler) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(c.Handler(handler), &http2.Server{}),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write status response")
	}
}
