// Package contextstore persists per-session customer context between
// messages. Reads hit a ristretto TTL cache first and fall through to a
// sqlite table; writes go to both.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"
)

const (
	defaultTTL         = 30 * time.Minute
	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 24 // 16MB
	defaultBufferItems = 64
)

// Store is the session context store. Values are free-form JSON objects.
type Store struct {
	db     *sql.DB
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *slog.Logger
	mu     sync.Mutex // serializes writes; sqlite handles its own locking for reads
}

// Config tunes the store.
type Config struct {
	DBPath string
	TTL    time.Duration
}

// New opens (or creates) the backing database and warms up the cache layer.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = "supportmesh.db"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("contextstore: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("contextstore: wal mode: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("contextstore: cache: %w", err)
	}

	s := &Store{
		db:     db,
		cache:  cache,
		ttl:    cfg.TTL,
		logger: logger.With("component", "contextstore"),
	}
	if err := s.migrate(); err != nil {
		cache.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_context (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("contextstore: migrate: %w", err)
	}
	return nil
}

// Get returns the context stored under key, or ok=false when absent or
// expired.
func (s *Store) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		if m, ok := v.(map[string]any); ok {
			return m, true, nil
		}
	}

	var raw string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM session_context WHERE key = ?`, key,
	).Scan(&raw, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("contextstore: get %s: %w", key, err)
	}
	if time.Now().Unix() > expires {
		_, _ = s.Delete(ctx, key)
		return nil, false, nil
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("contextstore: decode %s: %w", key, err)
	}
	s.cache.SetWithTTL(key, value, int64(len(raw)), s.ttl)
	return value, true, nil
}

// Set stores value under key with the given ttl (0 means the store default).
func (s *Store) Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("contextstore: encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_context (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(raw), time.Now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("contextstore: set %s: %w", key, err)
	}
	s.cache.SetWithTTL(key, value, int64(len(raw)), ttl)
	return nil
}

// Update merges partial into the stored value, creating it when absent.
func (s *Store) Update(ctx context.Context, key string, partial map[string]any) error {
	current, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		current = map[string]any{}
	}
	for k, v := range partial {
		current[k] = v
	}
	return s.Set(ctx, key, current, 0)
}

// Delete removes key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.cache.Del(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_context WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("contextstore: delete %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Close releases the cache and database handles.
func (s *Store) Close() error {
	s.cache.Close()
	return s.db.Close()
}
