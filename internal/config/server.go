package config

import (
	"os"
	"strings"
	"time"
)

// CORSConfig controls the cross-origin policy of the HTTP server.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed-origins"`
	AllowCredentials bool     `yaml:"allow-credentials"`
}

// RateLimitConfig selects the rate limiter backend.
type RateLimitConfig struct {
	RedisEnabled  bool   `yaml:"redis-enabled"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	RedisPrefix   string `yaml:"redis-prefix"`
}

// SchedulerConfig controls the periodic credit reset job.
type SchedulerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch-size"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RelayConfig switches on the embedded CLIProxyAPI relay. The relay reads its own
// upstream settings (auth-dir, provider keys) from the same file.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds process-level settings outside the billing domain.
type ServerConfig struct {
	Port      int             `yaml:"port"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Relay     RelayConfig     `yaml:"relay"`
}

const (
	defaultRedisPrefix       = "credits:rl"
	defaultSchedulerInterval = time.Hour
	defaultSchedulerBatch    = 100
)

// LoadServerConfig loads server settings from the YAML config file.
// Read and parse failures fall back to defaults.
func LoadServerConfig(configPath string) ServerConfig {
	var result ServerConfig
	if _, errDecode := decodeFile(configPath, &result); errDecode != nil {
		result = ServerConfig{}
	}

	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		result.RateLimit.RedisAddr = addr
		result.RateLimit.RedisEnabled = true
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		result.Logging.Level = level
	}

	result.RateLimit.RedisAddr = strings.TrimSpace(result.RateLimit.RedisAddr)
	result.RateLimit.RedisPrefix = strings.TrimSpace(result.RateLimit.RedisPrefix)
	if result.RateLimit.RedisPrefix == "" {
		result.RateLimit.RedisPrefix = defaultRedisPrefix
	}
	if result.RateLimit.RedisDB < 0 {
		result.RateLimit.RedisDB = 0
	}
	if result.Scheduler.Interval <= 0 {
		result.Scheduler.Interval = defaultSchedulerInterval
	}
	if result.Scheduler.BatchSize <= 0 {
		result.Scheduler.BatchSize = defaultSchedulerBatch
	}
	if strings.TrimSpace(result.Logging.Level) == "" {
		result.Logging.Level = "info"
	}
	return result
}
