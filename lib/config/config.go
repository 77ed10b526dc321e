// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment the console talks to.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Storage backends for persisted session tokens.
const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Config is the console configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	API      APIConfig      `yaml:"api" json:"api"`
	Realtime RealtimeConfig `yaml:"realtime" json:"realtime"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty" json:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// Overrides holds the per-environment sections. Only non-empty fields
// are applied.
type Overrides struct {
	API      *APIConfig      `yaml:"api,omitempty" json:"api,omitempty"`
	Realtime *RealtimeConfig `yaml:"realtime,omitempty" json:"realtime,omitempty"`
	Storage  *StorageConfig  `yaml:"storage,omitempty" json:"storage,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// APIConfig configures the REST backend.
type APIConfig struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Timeout bounds each REST round trip.
	// Default: 15s
	Timeout string `yaml:"timeout" json:"timeout"`
}

// RealtimeConfig configures the chat channel.
type RealtimeConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8000/ws".
	URL string `yaml:"url" json:"url"`

	// ConnectTimeout bounds dial plus the authenticate handshake.
	// Default: 10s
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout"`

	// RequestTimeout bounds each acknowledged room operation.
	// Default: 10s
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`

	// TypingInterval is the minimum gap between outbound typing
	// signals for one room.
	// Default: 1s
	TypingInterval string `yaml:"typing_interval" json:"typing_interval"`
}

// StorageConfig selects where the token pair is persisted.
type StorageConfig struct {
	// Backend is "file", "redis", or "memory".
	// Default: file
	Backend string `yaml:"backend" json:"backend"`

	// Path is the token file for the file backend.
	// Default: ${XDG_CONFIG_HOME}/sentinel/session.cbor
	Path string `yaml:"path" json:"path"`

	// SealIdentityFile, when set, names an age identity file; the
	// token file is then encrypted to that identity.
	SealIdentityFile string `yaml:"seal_identity_file" json:"seal_identity_file"`

	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`

	// RedisPrefix namespaces the two token keys.
	// Default: sentinel:console:
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level" json:"level"`
}

// Default returns the base configuration that a loaded file is merged
// into.
func Default() *Config {
	return &Config{
		Environment: Development,
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: "15s",
		},
		Realtime: RealtimeConfig{
			URL:            "ws://localhost:8000/ws",
			ConnectTimeout: "10s",
			RequestTimeout: "10s",
			TypingInterval: "1s",
		},
		Storage: StorageConfig{
			Backend:     StorageFile,
			Path:        "${XDG_CONFIG_HOME:-${HOME}/.config}/sentinel/session.cbor",
			RedisPrefix: "sentinel:console:",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the file named by SENTINEL_CONFIG. When the variable is
// unset it returns Default(): the console runs against a local backend
// out of the box.
func Load() (*Config, error) {
	path := os.Getenv("SENTINEL_CONFIG")
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file, applies the matching
// environment section, expands ${VAR} references, and validates.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if api := overrides.API; api != nil {
		overrideString(&c.API.BaseURL, api.BaseURL)
		overrideString(&c.API.Timeout, api.Timeout)
	}
	if realtime := overrides.Realtime; realtime != nil {
		overrideString(&c.Realtime.URL, realtime.URL)
		overrideString(&c.Realtime.ConnectTimeout, realtime.ConnectTimeout)
		overrideString(&c.Realtime.RequestTimeout, realtime.RequestTimeout)
		overrideString(&c.Realtime.TypingInterval, realtime.TypingInterval)
	}
	if storage := overrides.Storage; storage != nil {
		overrideString(&c.Storage.Backend, storage.Backend)
		overrideString(&c.Storage.Path, storage.Path)
		overrideString(&c.Storage.SealIdentityFile, storage.SealIdentityFile)
		overrideString(&c.Storage.RedisAddr, storage.RedisAddr)
		overrideString(&c.Storage.RedisPassword, storage.RedisPassword)
		overrideString(&c.Storage.RedisPrefix, storage.RedisPrefix)
	}
	if logging := overrides.Logging; logging != nil {
		overrideString(&c.Logging.Level, logging.Level)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	c.Storage.Path = expandVars(c.Storage.Path)
	c.Storage.SealIdentityFile = expandVars(c.Storage.SealIdentityFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^{}]|\$\{[^}]*\})*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. A default may itself
// contain one level of ${VAR}.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 && parts[2] != "" {
			return expandVars(parts[2])
		}
		return ""
	})
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url is required"))
	}
	if c.Realtime.URL == "" {
		errs = append(errs, fmt.Errorf("realtime.url is required"))
	}

	for name, value := range map[string]string{
		"api.timeout":              c.API.Timeout,
		"realtime.connect_timeout": c.Realtime.ConnectTimeout,
		"realtime.request_timeout": c.Realtime.RequestTimeout,
		"realtime.typing_interval": c.Realtime.TypingInterval,
	} {
		if _, err := parsePositiveDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the file backend"))
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("storage.redis_addr is required for the redis backend"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.level: %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

func parsePositiveDuration(value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", value)
	}
	return duration, nil
}

// APITimeout returns the parsed api.timeout.
func (c *Config) APITimeout() time.Duration { return c.mustDuration(c.API.Timeout) }

// ConnectTimeout returns the parsed realtime.connect_timeout.
func (c *Config) ConnectTimeout() time.Duration { return c.mustDuration(c.Realtime.ConnectTimeout) }

// RequestTimeout returns the parsed realtime.request_timeout.
func (c *Config) RequestTimeout() time.Duration { return c.mustDuration(c.Realtime.RequestTimeout) }

// TypingInterval returns the parsed realtime.typing_interval.
func (c *Config) TypingInterval() time.Duration { return c.mustDuration(c.Realtime.TypingInterval) }

// mustDuration parses a duration that Validate has already accepted.
// Unvalidated garbage yields zero, which callers treat as "use the
// component default".
func (c *Config) mustDuration(value string) time.Duration {
	duration, _ := parsePositiveDuration(value)
	return duration
}
