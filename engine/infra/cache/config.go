package cache

import (
	"time"

	"github.com/compozy/unitofwork/pkg/config"
)

type Config struct {
	URL         string
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	PingTimeout time.Duration
}

func ConfigFrom(c *config.RedisConfig) *Config {
	if c == nil {
		return &Config{}
	}
	return &Config{Addr: c.Addr, Password: c.Password.Value(), DB: c.DB}
}
