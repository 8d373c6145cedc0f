// Package config loads runtime settings from the environment, an optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"freelance-notifier/pkg/listing"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Notifier backends.
const (
	NotifierTelegram = "telegram"
	NotifierGmail    = "gmail"
	NotifierMock     = "mock"
)

// Mode selects which marketplaces are polled (USE_FREELANCE).
type Mode int

// Modes.
const (
	ModeOff   Mode = 0
	ModeKwork Mode = 1
	ModeHabr  Mode = 2
	ModeBoth  Mode = 3
)

// Marketplaces returns the marketplaces enabled by m.
func (m Mode) Marketplaces() []listing.Marketplace {
	switch m {
	case ModeKwork:
		return []listing.Marketplace{listing.Kwork}
	case ModeHabr:
		return []listing.Marketplace{listing.Habr}
	case ModeBoth:
		return []listing.Marketplace{listing.Kwork, listing.Habr}
	default:
		return nil
	}
}

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Marketplace holds per-marketplace tunables.
type Marketplace struct {
	Enrich     *bool         `yaml:"enrich"`
	Categories []string      `yaml:"categories"` // Habr only
	Category   int           `yaml:"category"`   // Kwork only
	MaxPages   int           `yaml:"max_pages"`
	Interval   time.Duration `yaml:"interval"`
}

// EnrichEnabled reports whether detail pages should be loaded (default true).
func (m Marketplace) EnrichEnabled() bool {
	return m.Enrich == nil || *m.Enrich
}

// Config is the complete runtime configuration.
type Config struct {
	Kwork          Marketplace   `yaml:"kwork"`
	Habr           Marketplace   `yaml:"habr"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	SendDelay      time.Duration `yaml:"send_delay"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	SweepMaxAge    time.Duration `yaml:"sweep_max_age"`

	// Environment only.
	TelegramToken         string     `yaml:"-"`
	Notifier              string     `yaml:"-"`
	AdminEmail            string     `yaml:"-"`
	GoogleCredentialsJSON string     `yaml:"-"`
	DataDir               string     `yaml:"-"`
	StorageBucket         string     `yaml:"-"`
	HTTPAddr              string     `yaml:"-"`
	ConfigFile            string     `yaml:"-"`
	ChatID                int64      `yaml:"-"`
	Mode                  Mode       `yaml:"-"`
	LogLevel              slog.Level `yaml:"-"`
}

// For returns the tunables of marketplace m.
func (c *Config) For(m listing.Marketplace) Marketplace {
	if m == listing.Habr {
		return c.Habr
	}
	return c.Kwork
}

// Defaults returns a Config with every tunable set to its default.
func Defaults() *Config {
	return &Config{
		Kwork: Marketplace{
			Category: 41,
			MaxPages: 10,
			Interval: 150 * time.Second,
		},
		Habr: Marketplace{
			MaxPages: 50,
			Interval: 60 * time.Second,
		},
		FetchTimeout:   30 * time.Second,
		SendDelay:      2 * time.Second,
		RestartBackoff: 30 * time.Second,
		SweepSchedule:  "@every 10m",
		SweepMaxAge:    24 * time.Hour,
		Notifier:       NotifierTelegram,
		DataDir:        "./data",
		HTTPAddr:       ":8080",
		ConfigFile:     "config.yaml",
		LogLevel:       slog.LevelInfo,
	}
}

// Load reads .env (if present) into the process environment and builds the Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &ConfigError{Key: ".env", Reason: err.Error()}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the Config from lookup. Environment values override the YAML file.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	env := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	if v := env("CONFIG_FILE"); v != "" {
		cfg.ConfigFile = v
	}
	if err := cfg.loadYAML(); err != nil {
		return nil, err
	}

	cfg.TelegramToken = env("TELEGRAM_TOKEN", "TOKEN")
	cfg.AdminEmail = env("ADMIN_EMAIL")
	cfg.GoogleCredentialsJSON = env("GOOGLE_CREDENTIALS_JSON")
	cfg.StorageBucket = env("STORAGE_BUCKET")
	if v := env("NOTIFIER"); v != "" {
		cfg.Notifier = strings.ToLower(v)
	}
	if v := env("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v, ok := lookup("HTTP_ADDR"); ok {
		// An explicitly empty value disables the status server.
		cfg.HTTPAddr = strings.TrimSpace(v)
	}

	if v := env("USE_FREELANCE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < int(ModeOff) || n > int(ModeBoth) {
			return nil, &ConfigError{Key: "USE_FREELANCE", Reason: fmt.Sprintf("must be 0, 1, 2 or 3, got %q", v)}
		}
		cfg.Mode = Mode(n)
	}

	if v := env("CHAT_ID", "TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &ConfigError{Key: "CHAT_ID", Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		cfg.ChatID = id
	}

	if v := env("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, &ConfigError{Key: "LOG_LEVEL", Reason: err.Error()}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML() error {
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &ConfigError{Key: "CONFIG_FILE", Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ConfigError{Key: "CONFIG_FILE", Reason: fmt.Sprintf("parse %s: %v", c.ConfigFile, err)}
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Notifier {
	case NotifierTelegram:
		// Nothing is sent with every marketplace disabled, so credentials are optional then.
		if c.Mode != ModeOff {
			if c.TelegramToken == "" {
				return &ConfigError{Key: "TELEGRAM_TOKEN", Reason: "required for the telegram notifier"}
			}
			if c.ChatID == 0 {
				return &ConfigError{Key: "CHAT_ID", Reason: "required for the telegram notifier"}
			}
		}
	case NotifierGmail:
		if c.Mode != ModeOff && c.AdminEmail == "" {
			return &ConfigError{Key: "ADMIN_EMAIL", Reason: "required for the gmail notifier"}
		}
	case NotifierMock:
	default:
		return &ConfigError{Key: "NOTIFIER", Reason: fmt.Sprintf("unknown notifier %q", c.Notifier)}
	}

	for name, m := range map[string]Marketplace{"kwork": c.Kwork, "habr": c.Habr} {
		if m.MaxPages <= 0 {
			return &ConfigError{Key: name + ".max_pages", Reason: "must be positive"}
		}
		if m.Interval <= 0 {
			return &ConfigError{Key: name + ".interval", Reason: "must be positive"}
		}
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"fetch_timeout", c.FetchTimeout},
		{"send_delay", c.SendDelay},
		{"restart_backoff", c.RestartBackoff},
		{"sweep_max_age", c.SweepMaxAge},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return &ConfigError{Key: d.key, Reason: "must be positive"}
		}
	}
	return nil
}
