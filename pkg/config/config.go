package config

import "time"

// Config is the complete configuration of the unit-of-work runtime.
type Config struct {
	UnitOfWork UnitOfWorkConfig `koanf:"uow" json:"uow" yaml:"uow"`
	Database   DatabaseConfig   `koanf:"database" json:"database" yaml:"database"`
	SQLite     SQLiteConfig     `koanf:"sqlite" json:"sqlite" yaml:"sqlite"`
	Redis      RedisConfig      `koanf:"redis" json:"redis" yaml:"redis"`
	Runtime    RuntimeConfig    `koanf:"runtime" json:"runtime" yaml:"runtime"`
}

// UnitOfWorkConfig tunes scopes and event delivery.
type UnitOfWorkConfig struct {
	DefaultMode            string        `koanf:"default_mode" json:"default_mode" yaml:"default_mode" env:"UOW_DEFAULT_MODE" validate:"oneof=join isolate"`
	MaxProducerConcurrency int           `koanf:"max_producer_concurrency" json:"max_producer_concurrency" yaml:"max_producer_concurrency" env:"UOW_MAX_PRODUCER_CONCURRENCY" validate:"min=0"`
	DeliveryRetries        uint64        `koanf:"delivery_retries" json:"delivery_retries" yaml:"delivery_retries" env:"UOW_DELIVERY_RETRIES" validate:"max=20"`
	DeliveryBackoff        time.Duration `koanf:"delivery_backoff" json:"delivery_backoff" yaml:"delivery_backoff" env:"UOW_DELIVERY_BACKOFF"`
}

// DatabaseConfig contains PostgreSQL connection configuration.
type DatabaseConfig struct {
	ConnString     string          `koanf:"conn_string" json:"conn_string" yaml:"conn_string" env:"DB_CONN_STRING"`
	Host           string          `koanf:"host" json:"host" yaml:"host" env:"DB_HOST"`
	Port           string          `koanf:"port" json:"port" yaml:"port" env:"DB_PORT"`
	User           string          `koanf:"user" json:"user" yaml:"user" env:"DB_USER"`
	Password       SensitiveString `koanf:"password" json:"password" yaml:"password" env:"DB_PASSWORD" sensitive:"true"`
	DBName         string          `koanf:"name" json:"name" yaml:"name" env:"DB_NAME"`
	SSLMode        string          `koanf:"ssl_mode" json:"ssl_mode" yaml:"ssl_mode" env:"DB_SSL_MODE"`
	MaxOpenConns   int             `koanf:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" validate:"min=0"`
	ConnectTimeout time.Duration   `koanf:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout" env:"DB_CONNECT_TIMEOUT"`
}

// SQLiteConfig contains the embedded SQLite store configuration.
type SQLiteConfig struct {
	Path         string        `koanf:"path" json:"path" yaml:"path" env:"SQLITE_PATH"`
	BusyTimeout  time.Duration `koanf:"busy_timeout" json:"busy_timeout" yaml:"busy_timeout" env:"SQLITE_BUSY_TIMEOUT"`
	MaxOpenConns int           `koanf:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns" env:"SQLITE_MAX_OPEN_CONNS" validate:"min=0"`
}

// RedisConfig contains the Redis store and producer configuration.
type RedisConfig struct {
	Addr          string          `koanf:"addr" json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password      SensitiveString `koanf:"password" json:"password" yaml:"password" env:"REDIS_PASSWORD" sensitive:"true"`
	DB            int             `koanf:"db" json:"db" yaml:"db" env:"REDIS_DB" validate:"min=0"`
	ChannelPrefix string          `koanf:"channel_prefix" json:"channel_prefix" yaml:"channel_prefix" env:"REDIS_CHANNEL_PREFIX"`
	Stream        string          `koanf:"stream" json:"stream" yaml:"stream" env:"REDIS_STREAM"`
	StreamMaxLen  int64           `koanf:"stream_max_len" json:"stream_max_len" yaml:"stream_max_len" env:"REDIS_STREAM_MAX_LEN" validate:"min=0"`
}

// RuntimeConfig contains process-level settings.
type RuntimeConfig struct {
	LogLevel string `koanf:"log_level" json:"log_level" yaml:"log_level" env:"RUNTIME_LOG_LEVEL" validate:"oneof=debug info warn error disabled"`
	LogJSON  bool   `koanf:"log_json" json:"log_json" yaml:"log_json" env:"RUNTIME_LOG_JSON"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		UnitOfWork: UnitOfWorkConfig{
			DefaultMode:            "join",
			MaxProducerConcurrency: 8,
			DeliveryRetries:        2,
			DeliveryBackoff:        100 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "postgres",
			DBName:         "unitofwork",
			SSLMode:        "disable",
			MaxOpenConns:   20,
			ConnectTimeout: 5 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path:         ":memory:",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1,
		},
		Redis: RedisConfig{
			ChannelPrefix: "uow.events",
			Stream:        "uow:events",
			StreamMaxLen:  10000,
		},
		Runtime: RuntimeConfig{
			LogLevel: "info",
		},
	}
}
