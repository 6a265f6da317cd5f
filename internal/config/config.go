package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HUDDLE"

const (
	StorePostgres = "postgres"
	StoreBuntDB   = "buntdb"
)

type Config struct {
	ServerAddr     string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SigningSecret  string   `mapstructure:"signing_key"`
	LogLevel       string   `mapstructure:"log_level"`

	Store    StoreConfig    `mapstructure:"store"`
	Presence PresenceConfig `mapstructure:"presence"`
	Calls    CallsConfig    `mapstructure:"calls"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Session  SessionConfig  `mapstructure:"session"`

	// SigningKey is SigningSecret decoded by Validate.
	SigningKey []byte `mapstructure:"-"`
}

// StoreConfig selects the durable store. Postgres needs a DSN, buntdb a file
// path (":memory:" for a throwaway store).
type StoreConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"`
}

type PresenceConfig struct {
	// GracePeriod is how long an identity with no sessions stays online.
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type CallsConfig struct {
	EmptyGrace    time.Duration `mapstructure:"empty_grace"`
	AbandonAfter  time.Duration `mapstructure:"abandon_after"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type RoomsConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type RelayConfig struct {
	DedupCacheSize int `mapstructure:"dedup_cache_size"`
}

type SessionConfig struct {
	SendBuffer int `mapstructure:"send_buffer"`
}

var defaults = map[string]any{
	"addr":                    ":8000",
	"allowed_origins":         []string{},
	"signing_key":             "",
	"log_level":               "info",
	"store.type":              StoreBuntDB,
	"store.dsn":               "",
	"store.path":              "huddle.db",
	"presence.grace_period":   "5s",
	"presence.idle_timeout":   "5m",
	"presence.sweep_schedule": "@every 30s",
	"calls.empty_grace":       "30s",
	"calls.abandon_after":     "1h",
	"calls.sweep_schedule":    "@every 1m",
	"rooms.idle_timeout":      "5m",
	"rooms.history_limit":     50,
	"relay.dedup_cache_size":  4096,
	"session.send_buffer":     256,
}

// nested keys a flag can set directly
var flagKeys = map[string]string{
	"store-type": "store.type",
	"store-dsn":  "store.dsn",
	"store-path": "store.path",
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.StringP("config", "c", "", "path to a TOML config file")
	flagSet.String("addr", "", "http service address (including port)")
	flagSet.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flagSet.String("signing-key", "", "base64 encoded HMAC key for identity tokens")
	flagSet.StringSlice("allowed-origins", nil, "origins allowed for CORS and websocket upgrades")
	flagSet.String("store-type", "", "durable store: postgres or buntdb")
	flagSet.String("store-dsn", "", "postgres connection string")
	flagSet.String("store-path", "", "buntdb file path")
	return flagSet
}

// wordSepNormalizeFunc maps dashed flag names onto config keys.
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// Load builds the configuration from, in increasing precedence, defaults, the
// TOML file named by the config flag, a .env file, HUDDLE_ environment
// variables and explicitly set flags.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if flagSet != nil {
		for name, key := range flagKeys {
			if f := flagSet.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		if err := v.BindPFlags(flagSet); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	switch c.Store.Type {
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case StoreBuntDB:
		if c.Store.Path == "" {
			return fmt.Errorf("buntdb path cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	durations := []struct {
		name string
		val  time.Duration
	}{
		{"presence.grace_period", c.Presence.GracePeriod},
		{"presence.idle_timeout", c.Presence.IdleTimeout},
		{"calls.empty_grace", c.Calls.EmptyGrace},
		{"calls.abandon_after", c.Calls.AbandonAfter},
		{"rooms.idle_timeout", c.Rooms.IdleTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	for _, spec := range []string{c.Presence.SweepSchedule, c.Calls.SweepSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
		}
	}

	if c.Relay.DedupCacheSize <= 0 {
		return fmt.Errorf("relay.dedup_cache_size must be positive")
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive")
	}

	return nil
}
