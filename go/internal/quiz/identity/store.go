package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"
)

// Store is durable key-value storage for client credentials, partitioned by scope.
type Store interface {
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Set(ctx context.Context, scope, key, value string) error
	Delete(ctx context.Context, scope, key string) error
}

// MemoryStore keeps values for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

func (m *MemoryStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[scope][key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[scope] == nil {
		m.values[scope] = make(map[string]string)
	}
	m.values[scope][key] = value
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[scope], key)
	return nil
}

// FileStore persists values as a YAML document of scope -> key -> value. Every write rewrites
// the whole file.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]map[string]string
}

// OpenFileStore reads path if it exists. A missing file starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, values: make(map[string]map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fs.values); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if fs.values == nil {
		fs.values = make(map[string]map[string]string)
	}
	return fs, nil
}

func (f *FileStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[scope][key]
	return v, ok, nil
}

func (f *FileStore) Set(ctx context.Context, scope, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[scope] == nil {
		f.values[scope] = make(map[string]string)
	}
	f.values[scope][key] = value
	return f.flushLocked()
}

func (f *FileStore) Delete(ctx context.Context, scope, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[scope][key]; !ok {
		return nil
	}
	delete(f.values[scope], key)
	if len(f.values[scope]) == 0 {
		delete(f.values, scope)
	}
	return f.flushLocked()
}

func (f *FileStore) flushLocked() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("failed to encode identity file: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create identity dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace identity file: %w", err)
	}
	return nil
}

// Querier is the part of *pgxpool.Pool the Postgres store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createIdentityTable = `
CREATE TABLE IF NOT EXISTS client_identity (
    scope      TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (scope, key)
)`

// PostgresStore keeps values in the client_identity table, for kiosks and shared hosts that
// outlive the local disk.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the client_identity table if it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createIdentityTable); err != nil {
		return fmt.Errorf("failed to create client_identity table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(ctx,
		`SELECT value FROM client_identity WHERE scope = $1 AND key = $2`,
		scope, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get identity %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, scope, key, value string) error {
	_, err := p.db.Exec(ctx, `
        INSERT INTO client_identity (scope, key, value, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
    `, scope, key, value)
	if err != nil {
		return fmt.Errorf("failed to set identity %s/%s: %w", scope, key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, scope, key string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM client_identity WHERE scope = $1 AND key = $2`, scope, key); err != nil {
		return fmt.Errorf("failed to delete identity %s/%s: %w", scope, key, err)
	}
	return nil
}
