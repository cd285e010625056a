// Package config loads client configuration from an optional YAML file.
// Command line flags and environment variables are layered on top by the
// commands.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/identity"
	"github.com/wolfeidau/storefront/internal/tokenstore"
	"github.com/wolfeidau/storefront/internal/tokenstore/postgres"
	"github.com/wolfeidau/storefront/internal/tokenstore/redis"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultServiceName = "storefront-cli"
	configDirName      = ".storefront"
	configFileName     = "config.yaml"
)

// ErrNotFound is returned by Load for a missing file.
var ErrNotFound = errors.New("config file not found")

// Config is the client configuration.
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`

	Store     StoreConfig          `yaml:"store"`
	Cache     CacheConfig          `yaml:"cache"`
	OIDC      *identity.OIDCConfig `yaml:"oidc"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
}

// StoreConfig selects where the session is persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Dir is the file store directory, ~/.storefront when empty.
	Dir string `yaml:"dir"`
	// SessionKey identifies the session in the shared backends.
	SessionKey string              `yaml:"session_key"`
	Postgres   postgres.PoolConfig `yaml:"postgres"`
	Redis      redis.Config        `yaml:"redis"`
}

// CacheConfig enables caching of authenticated API responses.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir persists the cache on disk, in memory when empty.
	Dir string `yaml:"dir"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultPath is ~/.storefront/config.yaml, or empty without a home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("loaded config file")

	return cfg, nil
}

// LoadOptional is Load returning an empty config when the file is missing
// or path is empty.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	cfg, err := Load(path)
	if errors.Is(err, ErrNotFound) {
		return &Config{}, nil
	}
	return cfg, err
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendFile
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
	}
	if c.Store.Backend == BackendPostgres {
		c.Store.Postgres.ApplyDefaults()
	}
}

// Validate checks the configuration. A missing base URL is not an error:
// every call then fails with a clear network error instead.
func (c *Config) Validate() error {
	var errs []error

	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample ratio must be between 0 and 1"))
	}

	switch c.Store.Backend {
	case BackendFile, BackendMemory:
	case BackendPostgres:
		if err := c.Store.Postgres.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("postgres store: %w", err))
		}
		if _, err := uuid.Parse(c.Store.SessionKey); err != nil {
			errs = append(errs, fmt.Errorf("postgres store: session_key must be a UUID: %w", err))
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis store: addr is required"))
		}
		if c.Store.SessionKey == "" {
			errs = append(errs, fmt.Errorf("redis store: session_key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.OIDC != nil && (c.OIDC.Issuer == "" || c.OIDC.ClientID == "") {
		errs = append(errs, fmt.Errorf("oidc: issuer and client_id are required"))
	}

	return errors.Join(errs...)
}

// OpenStore connects the configured token store. closeFn releases any
// connections it holds.
func (c *Config) OpenStore(ctx context.Context) (store tokenstore.Store, closeFn func(), err error) {
	noop := func() {}

	switch c.Store.Backend {
	case BackendMemory:
		return tokenstore.NewMemoryStore(), noop, nil

	case BackendFile, "":
		fs, err := tokenstore.NewFileStore(c.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		if fs.Disabled() {
			log.Warn().Msg("no home directory, session will not be persisted")
		}
		return fs, noop, nil

	case BackendPostgres:
		key, err := uuid.Parse(c.Store.SessionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse session key: %w", err)
		}
		pool, err := postgres.NewPool(ctx, &c.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool, key), pool.Close, nil

	case BackendRedis:
		client, err := redis.Connect(ctx, c.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		return redis.New(client, c.Store.Redis.Prefix, c.Store.SessionKey, c.Store.Redis.TTL), closeClient, nil
	}

	return nil, nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}
