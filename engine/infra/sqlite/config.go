package sqlite

import (
	"time"

	"github.com/compozy/unitofwork/pkg/config"
)

// Config captures SQLite store configuration derived from application settings.
type Config struct {
	// Path is the database location or ":memory:" for in-memory deployments.
	Path string

	// MaxOpenConns controls the pool size exposed by database/sql.
	MaxOpenConns int

	ConnMaxLifetime time.Duration

	// BusyTimeout configures sqlite busy timeout via PRAGMA busy_timeout.
	BusyTimeout time.Duration
}

func ConfigFrom(c *config.SQLiteConfig) *Config {
	if c == nil {
		return &Config{}
	}
	return &Config{Path: c.Path, MaxOpenConns: c.MaxOpenConns, BusyTimeout: c.BusyTimeout}
}
