package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/clients/quiz_api_client"
	"github.com/mcdev12/bokquiz/go/internal/config"
	"github.com/mcdev12/bokquiz/go/internal/quiz/metrics"
	"github.com/mcdev12/bokquiz/go/internal/quiz/navigation"
	"github.com/mcdev12/bokquiz/go/internal/quiz/session"
)

type flags struct {
	configPath string
	code       string
	name       string
	create     bool
	join       bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", getEnv("QUIZ_CONFIG", "bokquiz.yaml"), "path to the YAML config file")
	flag.StringVar(&f.code, "code", "", "game code (default: the stored code)")
	flag.StringVar(&f.name, "name", "", "display name used when creating or joining")
	flag.BoolVar(&f.create, "create", false, "create a new game as host")
	flag.BoolVar(&f.join, "join", false, "join -code as a player")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("quiz client stopped")
	}
	log.Info().Msg("quiz client exited")
}

func setupLogging(cfg config.LogConfig) {
	if !cfg.Console {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config, f flags) error {
	api := quiz_api_client.NewQuizApiClient(cfg.API.BaseURL)
	api.SetTimeout(cfg.API.Timeout)

	store, cleanup, err := setupIdentityStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := enroll(ctx, api, store, cfg.Identity.Scope, f)
	if err != nil {
		return err
	}

	role := session.RolePlayer
	if id.AmHost() {
		role = session.RoleHost
	}
	code := id.GameCode()

	counters := metrics.NewCounters()
	sessCfg := session.DefaultConfig(role, code)
	sessCfg.Core.PollInterval = cfg.Sync.PollInterval
	sessCfg.Core.ManualMode = cfg.Sync.ManualMode
	sessCfg.Metrics = metrics.Multi{counters, metrics.LogCollector{}}
	sessCfg.OnTick = func(remaining int) {
		log.Debug().Int("remaining", remaining).Msg("countdown")
	}

	conn := setupConnection(cfg.Push)
	nav := navigation.LogNavigator{}

	sess := session.New(api, conn, id, nav, sessCfg)
	defer sess.Close()

	if cfg.Status.Addr != "" {
		srv := setupServer(cfg.Status.Addr, sess, counters)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("starting status server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status server failed")
			}
		}()
		defer shutdownServer(srv)
	}

	go readCommands(ctx, sess, os.Stdin)

	log.Info().
		Str("game_code", string(code)).
		Str("role", string(role)).
		Str("transport", cfg.Push.Transport).
		Msg("joining game")
	return sess.Run(ctx)
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("status server shutdown")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
