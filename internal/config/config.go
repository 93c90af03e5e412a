package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gw2am/internal/env"
	"github.com/loykin/gw2am/internal/logger"
	"github.com/loykin/gw2am/internal/matcher"
	"github.com/loykin/gw2am/internal/metrics"
	"github.com/loykin/gw2am/internal/snapshot"
	"github.com/loykin/gw2am/internal/store"
	"github.com/loykin/gw2am/internal/watch"
)

// EnvPrefix prefixes environment overrides, e.g. GW2AM_SERVER_LISTEN.
const EnvPrefix = "GW2AM"

// Config represents the top-level TOML structure.
type Config struct {
	Game       GameConfig       `mapstructure:"game"`
	Launch     LaunchConfig     `mapstructure:"launch"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Automation AutomationConfig `mapstructure:"automation"`
	Store      StoreConfig      `mapstructure:"store"`
	History    HistoryConfig    `mapstructure:"history"`
	Secret     SecretConfig     `mapstructure:"secret"`
	Log        logger.Config    `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

// GameConfig holds the defaults for settings the account store leaves unset
// and the process signature of the client.
type GameConfig struct {
	ExecutablePath         string   `mapstructure:"executable_path"`
	StorefrontURI          string   `mapstructure:"storefront_uri"`
	AllowMultipleInstances bool     `mapstructure:"allow_multiple_instances"`
	IdentityFlag           string   `mapstructure:"identity_flag"`
	ImageNames             []string `mapstructure:"image_names"`
	WrapperNames           []string `mapstructure:"wrapper_names"`
}

type LaunchConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DetectTimeout  time.Duration `mapstructure:"detect_timeout"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

type SnapshotConfig struct {
	Provider string        `mapstructure:"provider"` // auto, ps, cim, gopsutil
	TTL      time.Duration `mapstructure:"ttl"`
}

type AutomationConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Options map[string]string `mapstructure:"options"`
	Env     env.Spec          `mapstructure:"env"`
	Log     logger.FileConfig `mapstructure:"log"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
}

// SecretConfig locates the key that unlocks stored passwords. KeyFile wins
// over Key when both are set.
type SecretConfig struct {
	Key     string `mapstructure:"key"`
	KeyFile string `mapstructure:"key_file"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Path    string              `mapstructure:"path"`
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game.executable_path", "")
	v.SetDefault("game.storefront_uri", "")
	v.SetDefault("game.allow_multiple_instances", true)
	v.SetDefault("game.identity_flag", "--mumble")
	v.SetDefault("game.image_names", matcher.DefaultImageNames)
	v.SetDefault("game.wrapper_names", matcher.DefaultWrapperNames)

	v.SetDefault("launch.poll_interval", time.Second)
	v.SetDefault("launch.detect_timeout", 25*time.Second)
	v.SetDefault("launch.terminate_grace", 3*time.Second)

	v.SetDefault("snapshot.provider", "auto")
	v.SetDefault("snapshot.ttl", snapshot.DefaultTTL())

	v.SetDefault("automation.command", "")
	v.SetDefault("automation.args", []string{})
	v.SetDefault("automation.env.isolate", false)
	v.SetDefault("automation.log.dir", "")

	v.SetDefault("store.dsn", "sqlite://gw2am.db")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("secret.key", "")
	v.SetDefault("secret.key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8470")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.usage.enabled", false)
	v.SetDefault("metrics.usage.interval", 10*time.Second)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 5s")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults are static; failing here means setDefaults is broken
		panic(err)
	}
	return c
}

// Load reads path (TOML) over the defaults and applies GW2AM_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Launch.PollInterval <= 0 {
		errs = append(errs, errors.New("launch.poll_interval must be positive"))
	}
	if c.Launch.DetectTimeout < c.Launch.PollInterval {
		errs = append(errs, errors.New("launch.detect_timeout must be at least launch.poll_interval"))
	}
	if c.Launch.TerminateGrace < 0 {
		errs = append(errs, errors.New("launch.terminate_grace must not be negative"))
	}
	if c.Snapshot.TTL < 0 {
		errs = append(errs, errors.New("snapshot.ttl must not be negative"))
	}
	if _, err := snapshot.SourceByName(c.Snapshot.Provider, nil); err != nil {
		errs = append(errs, err)
	}
	if f := c.Game.IdentityFlag; !strings.HasPrefix(f, "-") || strings.ContainsAny(f, " \t=") {
		errs = append(errs, fmt.Errorf("game.identity_flag %q must be a single dash-prefixed token", f))
	}
	if len(c.Game.ImageNames) == 0 {
		errs = append(errs, errors.New("game.image_names must not be empty"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.sinks entry"))
	}
	if c.Reconcile.Enabled {
		if _, err := watch.ParseSchedule(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}
	if c.Metrics.Usage.Enabled && c.Metrics.Usage.Interval <= 0 {
		errs = append(errs, errors.New("metrics.usage.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Settings converts the [game] section into store defaults.
func (c *Config) Settings() store.Settings {
	allow := c.Game.AllowMultipleInstances
	var opts map[string]string
	if len(c.Automation.Options) > 0 {
		opts = make(map[string]string, len(c.Automation.Options))
		for k, v := range c.Automation.Options {
			opts[k] = v
		}
	}
	return store.Settings{
		ExecutablePath:         c.Game.ExecutablePath,
		StorefrontURI:          c.Game.StorefrontURI,
		AllowMultipleInstances: &allow,
		AutomationOptions:      opts,
	}
}

// Target returns the process signature of the game client.
func (c *Config) Target() matcher.Target {
	return matcher.Target{ImageNames: c.Game.ImageNames, WrapperNames: c.Game.WrapperNames}
}

// AutomationLog returns the logger config used for helper output files.
func (c *Config) AutomationLog() logger.Config {
	return logger.Config{File: c.Automation.Log}
}

// SecretKey resolves the decryption key; an empty key is not an error here,
// callers decide whether stored passwords are usable.
func (c *Config) SecretKey() (string, error) {
	if c.Secret.KeyFile == "" {
		return c.Secret.Key, nil
	}
	b, err := os.ReadFile(filepath.Clean(c.Secret.KeyFile))
	if err != nil {
		return "", fmt.Errorf("read secret key file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
