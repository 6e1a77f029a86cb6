package main

import (
	"net/http"

	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/session"
	"github.com/mcdev12/bokquiz/go/internal/quiz/status"
)

func setupServer(addr string, sess *session.Session, counters *metrics.Counters) *http.Server {
	return status.NewServer(addr, status.NewHandler(sess, counters))
}
