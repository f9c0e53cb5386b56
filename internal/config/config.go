// Package config loads the fathomd service configuration and watches
// the model routing file for changes.
//
// Two files are involved: config/fathom.yaml holds service wiring
// (listen address, store, providers, auth) and is read once at boot;
// config/models.yaml holds model routing, pricing and rate limits and
// is owned by the pricing, roles and ratecontrol loaders, which can
// re-read it at runtime through Watcher.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/store"
	"github.com/fathomlabs/fathom/internal/tracing"
)

// Config is the full fathomd configuration tree.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Dispatch  dispatch.Config `mapstructure:"dispatch"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Search    search.Config   `mapstructure:"search"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Models    ModelsConfig    `mapstructure:"models"`
}

// ServiceConfig holds the HTTP listener and lifecycle knobs.
type ServiceConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	CancelGrace     time.Duration `mapstructure:"cancel_grace"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig enables API authentication. Keys listed here are checked
// before any database-backed keys; each entry carries a bcrypt hash of
// the key secret, never the secret itself.
type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	Keys        []KeyEntry    `mapstructure:"keys"`
}

type KeyEntry struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
	Hash string `mapstructure:"hash"`
}

// StoreConfig selects the mission store backend. "memory" keeps
// everything in-process and is meant for development.
type StoreConfig struct {
	Driver   string       `mapstructure:"driver"`
	Postgres store.Config `mapstructure:"postgres"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProvidersConfig wires model providers into the registry. Routing of
// roles onto providers lives in models.yaml, not here.
type ProvidersConfig struct {
	OpenAI   OpenAIProviderConfig `mapstructure:"openai"`
	Services []llm.ServiceConfig  `mapstructure:"services"`
}

type OpenAIProviderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ModelsConfig optionally pins the models.yaml location. When empty,
// the loaders resolve it themselves (MODELS_CONFIG_PATH, then a
// find-up for config/models.yaml).
type ModelsConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultPath is where Load looks when CONFIG_PATH is unset.
const DefaultPath = "config/fathom.yaml"

// Load reads fathom.yaml from CONFIG_PATH or the default location.
// A missing file is not an error: the daemon runs on defaults plus
// FATHOM_* environment overrides, which is the normal development
// setup (memory store, no auth).
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FATHOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The pricing/roles/ratecontrol loaders resolve models.yaml through
	// MODELS_CONFIG_PATH; a path pinned in fathom.yaml is handed to them
	// the same way. An explicit env var still wins.
	if cfg.Models.Path != "" && os.Getenv("MODELS_CONFIG_PATH") == "" {
		os.Setenv("MODELS_CONFIG_PATH", cfg.Models.Path)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.addr", ":8085")
	v.SetDefault("service.read_timeout", 15*time.Second)
	v.SetDefault("service.write_timeout", 30*time.Second)
	v.SetDefault("service.graceful_timeout", 30*time.Second)
	v.SetDefault("service.cancel_grace", 5*time.Second)
	v.SetDefault("service.event_buffer", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_expiry", time.Hour)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "fathom")
	v.SetDefault("store.postgres.database", "fathom")
	v.SetDefault("store.postgres.ssl_mode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_base", 2*time.Second)
	v.SetDefault("dispatch.backoff_max", 30*time.Second)
	v.SetDefault("dispatch.request_timeout", 2*time.Minute)
	v.SetDefault("dispatch.global_max_calls", 500)

	v.SetDefault("providers.openai.enabled", true)
	v.SetDefault("providers.openai.timeout", 60*time.Second)

	v.SetDefault("search.base_url", "http://localhost:8090")
	v.SetDefault("search.timeout", 20*time.Second)
	v.SetDefault("search.top_k", 8)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fathom-orchestrator")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q (want memory or postgres)", c.Store.Driver)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if c.Service.Addr == "" {
		return fmt.Errorf("service.addr must not be empty")
	}
	return nil
}

// ModelsPath resolves the models.yaml path the loaders will read,
// mirroring their own resolution order. Returns false when no file
// can be found, in which case the loaders run on built-in defaults
// and there is nothing to watch.
func (c *Config) ModelsPath() (string, bool) {
	candidates := []string{
		c.Models.Path,
		os.Getenv("MODELS_CONFIG_PATH"),
		"/app/config/models.yaml",
		"./config/models.yaml",
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	if wd, err := os.Getwd(); err == nil {
		for i := 0; i < 6; i++ {
			cand := filepath.Join(wd, "config", "models.yaml")
			if _, err := os.Stat(cand); err == nil {
				return cand, true
			}
			wd = filepath.Dir(wd)
		}
	}
	return "", false
}
