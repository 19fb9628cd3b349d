// Package config resolves the credit service configuration from the YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
)

const defaultConfigPath = "./config.yaml"

// AppConfig holds the location of the config file every loader reads.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv resolves the config path from CONFIG_PATH.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath returns an absolute config path, defaulting to ./config.yaml.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = defaultConfigPath
	}
	if abs, errAbs := filepath.Abs(trimmed); errAbs == nil {
		return abs
	}
	return trimmed
}

// decodeFile unmarshals the config file into out.
// It reports found=false without error when the file does not exist.
func decodeFile(configPath string, out any) (found bool, err error) {
	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		if errors.Is(errRead, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", errRead)
	}
	if errUnmarshal := yaml.Unmarshal(data, out); errUnmarshal != nil {
		return true, fmt.Errorf("parse config file: %w", errUnmarshal)
	}
	return true, nil
}

// ErrMissingDatabaseDSN indicates neither DB_CONNECTION nor the config file names a database.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// LoadDatabaseDSN returns DB_CONNECTION when set, otherwise the DSN from the config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	var cfg struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}
	found, errDecode := decodeFile(configPath, &cfg)
	if errDecode != nil {
		return "", errDecode
	}
	if !found {
		return "", fmt.Errorf("read config file: %w", os.ErrNotExist)
	}

	for _, candidate := range []string{cfg.DatabaseDSN, cfg.Database.DSN} {
		if dsn := strings.TrimSpace(candidate); dsn != "" {
			return dsn, nil
		}
	}
	return "", ErrMissingDatabaseDSN
}

// JWTConfig holds the signing secret, token lifetime and the role claim that unlocks admin routes.
type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	Expiry    time.Duration `yaml:"expiry"`
	AdminRole string        `yaml:"admin-role"`
}

const (
	defaultJWTExpiry = 30 * 24 * time.Hour
	defaultAdminRole = "admin"
)

// LoadJWTConfig reads the jwt section and applies JWT_SECRET / JWT_EXPIRY.
// A missing file is not an error; the secret may come from the environment alone.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	var cfg struct {
		JWT JWTConfig `yaml:"jwt"`
	}
	if _, errDecode := decodeFile(configPath, &cfg); errDecode != nil {
		return JWTConfig{}, errDecode
	}
	result := cfg.JWT

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	result.Secret = strings.TrimSpace(result.Secret)
	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	result.AdminRole = strings.TrimSpace(result.AdminRole)
	if result.AdminRole == "" {
		result.AdminRole = defaultAdminRole
	}
	return result, nil
}
