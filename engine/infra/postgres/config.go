package postgres

import (
	"fmt"
	"time"

	"github.com/compozy/unitofwork/pkg/config"
)

// Config holds PostgreSQL connection settings for the driver. ConnString
// wins over the individual fields when set.
type Config struct {
	ConnString string
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string

	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	HealthCheckPeriod  time.Duration
	ConnectTimeout     time.Duration
	PingTimeout        time.Duration
	HealthCheckTimeout time.Duration
}

// ConfigFrom maps the application database section onto a driver Config.
func ConfigFrom(db *config.DatabaseConfig) *Config {
	if db == nil {
		return &Config{}
	}
	return &Config{
		ConnString:     db.ConnString,
		Host:           db.Host,
		Port:           db.Port,
		User:           db.User,
		Password:       db.Password.Value(),
		DBName:         db.DBName,
		SSLMode:        db.SSLMode,
		MaxOpenConns:   db.MaxOpenConns,
		ConnectTimeout: db.ConnectTimeout,
	}
}

func dsn(cfg *Config) string {
	if cfg.ConnString != "" {
		return cfg.ConnString
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		valueOr(cfg.Host, "localhost"),
		valueOr(cfg.Port, "5432"),
		valueOr(cfg.User, "postgres"),
		cfg.Password,
		valueOr(cfg.DBName, "postgres"),
		valueOr(cfg.SSLMode, "disable"),
	)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// DSN returns the connection string the pool and migrations use.
func (c *Config) DSN() string { return dsn(c) }
