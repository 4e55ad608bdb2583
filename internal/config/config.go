// Package config loads the sluice CLI configuration: a YAML file with
// SLUICE_* environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SLUICE_"

// RedisConfig locates the Redis server used by the redis store and checkpoints.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// CheckpointConfig selects where session snapshots are persisted.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // none | memory | file | sqlite | redis
	Dir     string `yaml:"dir"`     // file backend
	DSN     string `yaml:"dsn"`     // sqlite backend
	// EncryptionKey is a hex encoded AES-256 key. Empty disables encryption.
	EncryptionKey string   `yaml:"encryption_key"`
	MaskPatterns  []string `yaml:"mask_patterns"`
}

// SessionConfig enables one engine per session.
type SessionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
}

// Config is the CLI configuration.
type Config struct {
	LogLevel    string           `yaml:"log_level"`
	HTTPAddr    string           `yaml:"http_addr"`
	MetricsAddr string           `yaml:"metrics_addr"`
	Store       string           `yaml:"store"` // memory | redis
	Pipeline    string           `yaml:"pipeline"`
	Redis       RedisConfig      `yaml:"redis"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Sessions    SessionConfig    `yaml:"sessions"`
	Policy      domain.Policy    `yaml:"policy"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:    "info",
		HTTPAddr:    ":8080",
		MetricsAddr: ":2112",
		Store:       "memory",
		Pipeline:    "pipeline.yaml",
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "sluice:",
		},
		Checkpoints: CheckpointConfig{
			Backend: "none",
			Dir:     ".sluice/checkpoints",
			DSN:     ".sluice/checkpoints.db",
		},
		Sessions: SessionConfig{Header: "X-Session-ID"},
		Policy:   domain.DefaultPolicy(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SLUICE_* variables, e.g. SLUICE_REDIS_ADDR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("STORE", &c.Store)
	str("PIPELINE", &c.Pipeline)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	dur("REDIS_TTL", &c.Redis.TTL)
	str("CHECKPOINTS", &c.Checkpoints.Backend)
	str("CHECKPOINT_DIR", &c.Checkpoints.Dir)
	str("CHECKPOINT_DSN", &c.Checkpoints.DSN)
	str("CHECKPOINT_KEY", &c.Checkpoints.EncryptionKey)
	if v, ok := lookup(EnvPrefix + "CHECKPOINT_MASK"); ok {
		c.Checkpoints.MaskPatterns = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "SESSIONS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSESSIONS: %w", EnvPrefix, err))
		} else {
			c.Sessions.Enabled = b
		}
	}
	str("SESSION_HEADER", &c.Sessions.Header)
	num("MAX_ATTEMPTS", &c.Policy.MaxAttempts)
	dur("BASE_DELAY", &c.Policy.BaseDelay)
	dur("MAX_DELAY", &c.Policy.MaxDelay)
	num("FAILURE_THRESHOLD", &c.Policy.FailureThreshold)
	dur("COOL_DOWN", &c.Policy.CoolDown)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q (memory|redis)", c.Store))
	}
	switch c.Checkpoints.Backend {
	case "none", "memory", "redis":
	case "file":
		if c.Checkpoints.Dir == "" {
			errs = append(errs, errors.New("checkpoints.dir is required for the file backend"))
		}
	case "sqlite":
		if c.Checkpoints.DSN == "" {
			errs = append(errs, errors.New("checkpoints.dsn is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoints: unknown backend %q (none|memory|file|sqlite|redis)", c.Checkpoints.Backend))
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Checkpoints.EncryptionKey != "" {
		if _, err := c.EncryptionKey(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Sessions.Enabled && c.Store == "redis" {
		errs = append(errs, errors.New("sessions keep their state in memory; use store: memory with redis checkpoints"))
	}
	if c.Sessions.Enabled && c.Sessions.Header == "" {
		errs = append(errs, errors.New("sessions.header must not be empty"))
	}
	if err := c.Policy.WithDefaults(domain.DefaultPolicy()).Check(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Store == "redis" || c.Checkpoints.Backend == "redis"
}

// EncryptionKey decodes the checkpoint encryption key.
func (c Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Checkpoints.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("checkpoints.encryption_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("checkpoints.encryption_key: need 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() slog.Level {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
