package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/bokquiz/go/internal/models"
)

// ErrMissingCredential is returned when an action needs a token the client does not hold.
var ErrMissingCredential = errors.New("missing credential")

const (
	KeyGameCode       = "game_code"
	KeyHostToken      = "host_token"
	KeyHostPlayerID   = "host_player_id"
	KeyAmHost         = "am_host"
	KeyPlayerID       = "player_id"
	KeyReconnectToken = "reconnect_token"
	KeyPlayerName     = "player_name"
	KeyInSuddenDeath  = "in_sudden_death"
)

var allKeys = []string{
	KeyGameCode, KeyHostToken, KeyHostPlayerID, KeyAmHost,
	KeyPlayerID, KeyReconnectToken, KeyPlayerName, KeyInSuddenDeath,
}

// PlayerCredentials identify a player to the answer endpoint.
type PlayerCredentials struct {
	PlayerID       string
	ReconnectToken string
}

// Context is the client's identity for one scope, read through a cache and written through
// to its Store.
type Context struct {
	store Store
	scope string

	mu    sync.RWMutex
	cache map[string]string
}

// Load reads every known key for scope from store.
func Load(ctx context.Context, store Store, scope string) (*Context, error) {
	c := &Context{store: store, scope: scope, cache: make(map[string]string)}
	for _, key := range allKeys {
		v, ok, err := store.Get(ctx, scope, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		if ok {
			c.cache[key] = v
		}
	}
	return c, nil
}

func (c *Context) Scope() string {
	return c.scope
}

func (c *Context) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

// Set writes one value through to the store.
func (c *Context) Set(ctx context.Context, key, value string) error {
	if err := c.store.Set(ctx, c.scope, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache[key] = value
	c.mu.Unlock()
	return nil
}

// Delete removes one value from the store.
func (c *Context) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, c.scope, key); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
	return nil
}

func (c *Context) GameCode() models.SessionCode {
	v, _ := c.get(KeyGameCode)
	return models.SessionCode(v)
}

func (c *Context) HostToken() string {
	v, _ := c.get(KeyHostToken)
	return v
}

func (c *Context) HostPlayerID() string {
	v, _ := c.get(KeyHostPlayerID)
	return v
}

func (c *Context) AmHost() bool {
	v, _ := c.get(KeyAmHost)
	return v == "true"
}

func (c *Context) PlayerID() string {
	v, _ := c.get(KeyPlayerID)
	return v
}

func (c *Context) ReconnectToken() string {
	v, _ := c.get(KeyReconnectToken)
	return v
}

func (c *Context) PlayerName() string {
	v, _ := c.get(KeyPlayerName)
	return v
}

// InSuddenDeath returns the stored participation flag and whether one is stored at all.
func (c *Context) InSuddenDeath() (value, known bool) {
	v, ok := c.get(KeyInSuddenDeath)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (c *Context) SetInSuddenDeath(ctx context.Context, in bool) error {
	return c.Set(ctx, KeyInSuddenDeath, strconv.FormatBool(in))
}

func (c *Context) ClearSuddenDeath(ctx context.Context) error {
	return c.Delete(ctx, KeyInSuddenDeath)
}

// SetHost stores the credentials handed out when a game is created.
func (c *Context) SetHost(ctx context.Context, created models.CreatedGame) error {
	for _, kv := range [][2]string{
		{KeyGameCode, string(created.Code)},
		{KeyHostToken, created.HostToken},
		{KeyHostPlayerID, created.HostPlayerID},
		{KeyAmHost, "true"},
	} {
		if err := c.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to store host identity: %w", err)
		}
	}
	log.Info().Str("game_code", string(created.Code)).Str("scope", c.scope).Msg("host identity stored")
	return nil
}

// SetPlayer stores the credentials handed out when joining a game.
func (c *Context) SetPlayer(ctx context.Context, code models.SessionCode, name string, joined models.JoinedPlayer) error {
	for _, kv := range [][2]string{
		{KeyGameCode, string(code)},
		{KeyPlayerID, joined.PlayerID},
		{KeyReconnectToken, joined.ReconnectToken},
		{KeyPlayerName, strings.TrimSpace(name)},
		{KeyAmHost, "false"},
	} {
		if err := c.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("failed to store player identity: %w", err)
		}
	}
	if err := c.ClearSuddenDeath(ctx); err != nil {
		return fmt.Errorf("failed to store player identity: %w", err)
	}
	log.Info().Str("game_code", string(code)).Str("scope", c.scope).Msg("player identity stored")
	return nil
}

// RequireHost returns the host token or ErrMissingCredential.
func (c *Context) RequireHost() (string, error) {
	token := c.HostToken()
	if token == "" {
		return "", fmt.Errorf("host token: %w", ErrMissingCredential)
	}
	return token, nil
}

// RequirePlayer returns the player's answer credentials or ErrMissingCredential.
func (c *Context) RequirePlayer() (PlayerCredentials, error) {
	creds := PlayerCredentials{PlayerID: c.PlayerID(), ReconnectToken: c.ReconnectToken()}
	if creds.PlayerID == "" || creds.ReconnectToken == "" {
		return PlayerCredentials{}, fmt.Errorf("player credentials: %w", ErrMissingCredential)
	}
	return creds, nil
}
