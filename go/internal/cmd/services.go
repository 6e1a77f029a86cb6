package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/clients/quiz_api_client"
	"github.com/mcdev12/bokquiz/go/internal/config"
	"github.com/mcdev12/bokquiz/go/internal/models"
	"github.com/mcdev12/bokquiz/go/internal/quiz/identity"
	"github.com/mcdev12/bokquiz/go/internal/quiz/push"
)

var errNoGame = errors.New("no game: pass -create, or -join with -code, or resume a stored game")

func setupIdentityStore(ctx context.Context, cfg *config.Config) (identity.Store, func(), error) {
	switch cfg.Identity.Store {
	case config.StorePostgres:
		pool, err := setupDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := identity.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.StoreFile:
		store, err := identity.OpenFileStore(cfg.Identity.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return identity.NewMemoryStore(), func() {}, nil
	}
}

// enroll creates or joins a game when asked to, otherwise resumes whatever the store holds.
func enroll(ctx context.Context, api *quiz_api_client.QuizApiClient, store identity.Store, scope string, f flags) (*identity.Context, error) {
	id, err := identity.Load(ctx, store, scope)
	if err != nil {
		return nil, err
	}

	switch {
	case f.create:
		if f.name == "" {
			return nil, errors.New("-create needs -name")
		}
		created, err := api.CreateGame(ctx, f.name)
		if err != nil {
			return nil, err
		}
		if err := id.SetHost(ctx, created); err != nil {
			return nil, err
		}
		log.Info().Str("game_code", string(created.Code)).Msg("created game")
	case f.join:
		if f.code == "" || f.name == "" {
			return nil, errors.New("-join needs -code and -name")
		}
		code := models.SessionCode(f.code)
		joined, err := api.JoinGame(ctx, code, f.name)
		if err != nil {
			return nil, err
		}
		if err := id.SetPlayer(ctx, code, f.name, joined); err != nil {
			return nil, err
		}
		log.Info().Str("game_code", f.code).Str("name", f.name).Msg("joined game")
	case f.code != "" && models.SessionCode(f.code) != id.GameCode():
		return nil, fmt.Errorf("no stored identity for game %s: use -join", f.code)
	}

	if id.GameCode() == "" {
		return nil, errNoGame
	}
	return id, nil
}

// setupConnection returns nil when realtime is disabled, leaving the session on polling.
func setupConnection(cfg config.PushConfig) *push.Connection {
	var transport push.Transport
	switch cfg.Transport {
	case config.TransportActionCable:
		cableCfg := push.DefaultActionCableConfig(cfg.URL)
		cableCfg.Channel = cfg.Channel
		cableCfg.ReadTimeout = cfg.ReadTimeout
		cableCfg.ReconnectWait = cfg.ReconnectWait
		cableCfg.MaxReconnects = cfg.MaxReconnects
		transport = push.NewActionCableTransport(cableCfg, nil)
	case config.TransportNATS:
		natsCfg := push.DefaultNATSConfig()
		natsCfg.URL = cfg.URL
		natsCfg.SubjectPrefix = cfg.SubjectPrefix
		natsCfg.ReconnectWait = cfg.ReconnectWait
		natsCfg.MaxReconnects = cfg.MaxReconnects
		transport = push.NewNATSTransport(natsCfg)
	default:
		return nil
	}
	return push.NewConnection(transport, 64)
}
