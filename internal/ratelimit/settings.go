package ratelimit

import (
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
)

const (
	defaultRedisPrefix = "credits:rl"
	defaultWindow      = time.Second
)

// SettingsConfig captures the limiter backend settings.
type SettingsConfig struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	Window        time.Duration
}

// SettingsFromConfig normalizes the rate-limit section of the server config.
func SettingsFromConfig(cfg config.RateLimitConfig) SettingsConfig {
	out := SettingsConfig{
		RedisEnabled:  cfg.RedisEnabled,
		RedisAddr:     strings.TrimSpace(cfg.RedisAddr),
		RedisPassword: strings.TrimSpace(cfg.RedisPassword),
		RedisDB:       cfg.RedisDB,
		RedisPrefix:   strings.TrimSpace(cfg.RedisPrefix),
		Window:        defaultWindow,
	}
	if out.RedisPrefix == "" {
		out.RedisPrefix = defaultRedisPrefix
	}
	if out.RedisDB < 0 {
		out.RedisDB = 0
	}
	return out
}
