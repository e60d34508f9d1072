// common/redis/config.go
package redis

import (
	"fmt"
	"time"

	"github.com/YaganovValera/batch-retry/common/backoff"
)

// Config описывает подключение к Redis.
type Config struct {
	// URL в формате redis://[:password@]host:port/db.
	URL string `mapstructure:"url"`
	// Password переопределяет пароль из URL, если задан.
	Password string `mapstructure:"password"`
	// PingTimeout ограничивает одну попытку PING.
	PingTimeout time.Duration  `mapstructure:"ping_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.Backoff.MaxElapsedTime <= 0 {
		c.Backoff.MaxElapsedTime = 30 * time.Second
	}
	if c.Backoff.PerAttemptTimeout <= 0 {
		c.Backoff.PerAttemptTimeout = c.PingTimeout
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: url is required")
	}
	return nil
}
