package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Database DatabaseConfig `json:"database"`
	Cache    CacheConfig    `json:"cache"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// AuthConfig holds signing keys and static pre-shared credentials.
type AuthConfig struct {
	// SigningKeys are base64-encoded ed25519 seeds, newest last. The last
	// entry signs new tokens; earlier entries remain valid verifiers so
	// tokens issued before a rotation keep working until they expire.
	SigningKeys []string `json:"signing_keys"`

	// StaticKeys maps a pre-shared API key to a fixed identity.
	StaticKeys []StaticKeyConfig `json:"static_keys,omitempty"`

	// TokenTTL is the default validity window for issued tokens.
	TokenTTLSeconds int `json:"token_ttl_seconds"`
}

type StaticKeyConfig struct {
	Key         string   `json:"key"`
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions,omitempty"`
}

type DatabaseConfig struct {
	// Driver selects the storage backend: "postgres" or "sqlite".
	Driver    string         `json:"driver"`
	TimeoutMS int            `json:"timeout_ms"`
	Postgres  PostgresConfig `json:"postgres"`
	SQLite    SQLiteConfig   `json:"sqlite"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path     string `json:"path"`
	PoolSize int    `json:"pool_size,omitempty"`
}

type CacheConfig struct {
	// Driver selects the cache: "local" (in-process) or "redis".
	Driver     string      `json:"driver"`
	MaxEntries int         `json:"max_entries,omitempty"`
	TTLSeconds int         `json:"ttl_seconds,omitempty"`
	Redis      RedisConfig `json:"redis"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Timeout returns the per-call persistence bound.
func (d DatabaseConfig) Timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// TokenTTL returns the configured token validity window.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(a.TokenTTLSeconds) * time.Second
}

// CacheTTL returns the default cache entry lifetime.
func (c CacheConfig) CacheTTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required for driver postgres")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for driver sqlite")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Cache.Driver {
	case "", "local":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("cache.redis.url is required for driver redis")
		}
	default:
		return fmt.Errorf("unknown cache.driver %q", c.Cache.Driver)
	}
	return nil
}
