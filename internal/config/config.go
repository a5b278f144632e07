// Package config loads server settings from defaults, an optional config
// file, the environment and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CHATRELAY_STORE_TYPE.
const EnvPrefix = "CHATRELAY"

// Store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQL    = "sql"
)

// Config is the complete server configuration.
type Config struct {
	Addr      string          `mapstructure:"addr"`
	LogLevel  string          `mapstructure:"log_level"`
	Store     StoreConfig     `mapstructure:"store"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Socket    SocketConfig    `mapstructure:"socket"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Type        string      `mapstructure:"type"`
	MaxMessages int         `mapstructure:"max_messages"`
	Redis       RedisConfig `mapstructure:"redis"`
	SQL         SQLConfig   `mapstructure:"sql"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type SQLConfig struct {
	// Driver is sqlite or postgres.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RegistryConfig holds the presence and typing windows and the sweep
// schedule, in robfig/cron syntax.
type RegistryConfig struct {
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`
	TypingWindow    time.Duration `mapstructure:"typing_window"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

type StreamConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Lookback time.Duration `mapstructure:"lookback"`
}

// SocketConfig limits websocket connections. Zero values disable the
// connection cap and idle reaping.
type SocketConfig struct {
	MaxConns    int           `mapstructure:"max_conns"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type RateLimitConfig struct {
	// Max is the number of writes allowed per client IP per Window. Zero
	// disables limiting.
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

var defaults = map[string]any{
	"addr":                      ":8080",
	"log_level":                 "info",
	"store.type":                StoreMemory,
	"store.max_messages":        1000,
	"store.redis.addr":          "localhost:6379",
	"store.redis.password":      "",
	"store.redis.db":            0,
	"store.redis.key_prefix":    "chat:",
	"store.sql.driver":          "sqlite",
	"store.sql.dsn":             "chatrelay.db",
	"registry.presence_timeout": 5 * time.Minute,
	"registry.typing_window":    5 * time.Second,
	"registry.sweep_schedule":   "@every 1m",
	"stream.interval":           2 * time.Second,
	"stream.lookback":           5 * time.Second,
	"socket.max_conns":          0,
	"socket.idle_timeout":       time.Duration(0),
	"rate_limit.max":            30,
	"rate_limit.window":         time.Minute,
}

// flags maps flag names to the config keys they override.
var flags = map[string]string{
	"addr":         "addr",
	"log-level":    "log_level",
	"store":        "store.type",
	"max-messages": "store.max_messages",
	"redis-addr":   "store.redis.addr",
	"sql-driver":   "store.sql.driver",
	"sql-dsn":      "store.sql.dsn",
}

// FlagSet returns the flags understood by Load.
func FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("chatrelay", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML or TOML config file")
	fs.String("env-file", ".env", "dotenv file loaded into the environment if present")
	fs.StringP("addr", "a", defaults["addr"].(string), "listen address")
	fs.String("log-level", defaults["log_level"].(string), "log level (trace, debug, info, warn, error)")
	fs.String("store", defaults["store.type"].(string), "storage backend (memory, redis, sql)")
	fs.Int("max-messages", defaults["store.max_messages"].(int), "messages kept by the memory and redis stores")
	fs.String("redis-addr", defaults["store.redis.addr"].(string), "redis address")
	fs.String("sql-driver", defaults["store.sql.driver"].(string), "sql driver (sqlite, postgres)")
	fs.String("sql-dsn", defaults["store.sql.dsn"].(string), "sql data source name")
	return fs
}

// Load reads the configuration. fs must come from FlagSet and already be
// parsed; a nil fs uses defaults, files and the environment only.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if fs == nil {
		fs = FlagSet()
	}

	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for name, key := range flags {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("config: store.redis.addr is required for the redis store")
		}
	case StoreSQL:
		if c.Store.SQL.Driver != "sqlite" && c.Store.SQL.Driver != "postgres" {
			return fmt.Errorf("config: unknown sql driver %q", c.Store.SQL.Driver)
		}
		if c.Store.SQL.DSN == "" {
			return errors.New("config: store.sql.dsn is required for the sql store")
		}
	default:
		return fmt.Errorf("config: unknown store type %q", c.Store.Type)
	}
	if c.Store.MaxMessages < 0 {
		return errors.New("config: store.max_messages must not be negative")
	}
	if c.Registry.PresenceTimeout <= 0 || c.Registry.TypingWindow <= 0 {
		return errors.New("config: presence timeout and typing window must be positive")
	}
	if c.Stream.Interval <= 0 {
		return errors.New("config: stream.interval must be positive")
	}
	return nil
}
