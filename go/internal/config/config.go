package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	TransportActionCable = "actioncable"
	TransportNATS        = "nats"
	TransportNone        = "none"

	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Push     PushConfig     `yaml:"push"`
	Sync     SyncConfig     `yaml:"sync"`
	Identity IdentityConfig `yaml:"identity"`
	Database DatabaseConfig `yaml:"database"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PushConfig struct {
	Transport     string        `yaml:"transport"`
	URL           string        `yaml:"url"`
	Channel       string        `yaml:"channel"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ManualMode   bool          `yaml:"manual_mode"`
}

type IdentityConfig struct {
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
	Scope string `yaml:"scope"`
}

// DatabaseConfig holds Postgres connection settings for the Postgres identity store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 10 * time.Second,
		},
		Push: PushConfig{
			Transport:     TransportActionCable,
			URL:           "ws://localhost:3000/cable",
			Channel:       "GameChannel",
			SubjectPrefix: "quiz.games",
			ReadTimeout:   15 * time.Second,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Sync: SyncConfig{
			PollInterval: 3 * time.Second,
		},
		Identity: IdentityConfig{
			Store: StoreFile,
			Path:  ".bokquiz/identity.yaml",
			Scope: "default",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "bokquiz",
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty and present), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Debug().Str("path", path).Msg("no config file, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("QUIZ_API_URL", c.API.BaseURL)
	c.API.Timeout = getEnvAsDuration("QUIZ_API_TIMEOUT", c.API.Timeout)

	c.Push.Transport = strings.ToLower(getEnv("QUIZ_PUSH_TRANSPORT", c.Push.Transport))
	c.Push.URL = getEnv("QUIZ_PUSH_URL", c.Push.URL)
	c.Push.Channel = getEnv("QUIZ_PUSH_CHANNEL", c.Push.Channel)
	c.Push.SubjectPrefix = getEnv("QUIZ_PUSH_SUBJECT_PREFIX", c.Push.SubjectPrefix)
	c.Push.MaxReconnects = getEnvAsInt("QUIZ_PUSH_MAX_RECONNECTS", c.Push.MaxReconnects)

	c.Sync.PollInterval = getEnvAsDuration("QUIZ_POLL_INTERVAL", c.Sync.PollInterval)
	c.Sync.ManualMode = getEnvAsBool("QUIZ_MANUAL_MODE", c.Sync.ManualMode)

	c.Identity.Store = strings.ToLower(getEnv("QUIZ_IDENTITY_STORE", c.Identity.Store))
	c.Identity.Path = getEnv("QUIZ_IDENTITY_PATH", c.Identity.Path)
	c.Identity.Scope = getEnv("QUIZ_IDENTITY_SCOPE", c.Identity.Scope)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Status.Addr = getEnv("QUIZ_STATUS_ADDR", c.Status.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	switch c.Push.Transport {
	case TransportActionCable, TransportNATS, TransportNone:
	default:
		return fmt.Errorf("config: unknown push transport %q", c.Push.Transport)
	}
	if c.Push.Transport != TransportNone && c.Push.URL == "" {
		return errors.New("config: push.url is required")
	}
	switch c.Identity.Store {
	case StoreMemory, StorePostgres:
	case StoreFile:
		if c.Identity.Path == "" {
			return errors.New("config: identity.path is required for the file store")
		}
	default:
		return fmt.Errorf("config: unknown identity store %q", c.Identity.Store)
	}
	if c.Sync.PollInterval < 0 {
		return errors.New("config: sync.poll_interval must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
