package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/compozy/unitofwork/engine/uow"
	"github.com/compozy/unitofwork/pkg/logger"
	// Register modernc SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

const (
	driverName         = "sqlite"
	memoryPath         = ":memory:"
	defaultBusyTimeout = 5 * time.Second
)

type Store struct {
	db   *sql.DB
	path string
	busy time.Duration
}

// NewStore opens the database and verifies the connection. An in-memory
// database is limited to one connection so every caller sees the same data.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open(driverName, buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	switch {
	case cfg.Path == memoryPath:
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	logger.FromContext(ctx).With(
		"store_driver", "sqlite",
		"path", cfg.Path,
	).Info("Store initialized")
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return &Store{db: db, path: cfg.Path, busy: busy}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

// Factory returns the scope factory for this store. Waiting for a free
// connection is bounded by the busy timeout.
func (s *Store) Factory() uow.Factory {
	return NewFactory(s.db, WithAcquireTimeout(s.busy))
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	logger.FromContext(ctx).With("path", s.path).Info("SQLite store closed")
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: health check failed: %w", err)
	}
	return nil
}

// buildDSN turns a path into a modernc DSN carrying the connection pragmas.
// Transactions take the write lock on BEGIN so concurrent scopes wait on
// busy_timeout instead of failing on lock upgrade.
func buildDSN(cfg *Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=foreign_keys(ON)",
		"_txlock=immediate",
	}
	if cfg.Path == memoryPath {
		return "file::memory:?" + strings.Join(params, "&")
	}
	params = append(params, "_pragma=journal_mode(WAL)")
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + strings.Join(params, "&")
}
