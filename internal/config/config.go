package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultRefreshCron = "*/15 * * * *"
	defaultCacheTTL    = 10 * time.Minute
	defaultStorePath   = "./var/agenda-store.json"
	defaultStorePoll   = 5 * time.Second
	defaultICSCacheDir = "./var/ics-cache"
	defaultFetchTO     = 15 * time.Second
	defaultFetchRate   = 2.0
)

// FetchConfig controls outbound iCalendar requests.
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerSecond paces requests across all sources. Zero disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// SafeClient refuses private, loopback and link-local destinations.
	SafeClient bool `yaml:"safe_client" json:"safe_client"`
}

// NotifyConfig configures where fetch failures are reported besides the log.
type NotifyConfig struct {
	// SNSTopicARN, if set, publishes every notice to that topic.
	SNSTopicARN string `yaml:"sns_topic_arn,omitempty" json:"sns_topic_arn,omitempty"`
}

// LogConfig selects log level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for display and date grouping. Empty
	// means the host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string for periodic refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheTTL is how long a computed agenda may be reused.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// WindowDays is how far ahead recurring series are expanded. Zero
	// means one calendar month from now.
	WindowDays int `yaml:"window_days" json:"window_days"`

	// Use24Hour switches time display from "3:04 PM" to "15:04".
	Use24Hour bool `yaml:"use_24_hour" json:"use_24_hour"`

	// StorePath is the key-value file holding calendars, the selected
	// calendar and the last agenda cache.
	StorePath string `yaml:"store_path" json:"store_path"`

	// StorePoll is how often `serve` checks StorePath for calendar edits
	// made by other processes.
	StorePoll time.Duration `yaml:"store_poll" json:"store_poll"`

	// ICSCacheDir holds per-URL response bodies for conditional requests.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	Fetch  FetchConfig  `yaml:"fetch" json:"fetch"`
	Notify NotifyConfig `yaml:"notify" json:"notify"`
	Log    LogConfig    `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverrides lists the settings that may be overridden from the
// environment. Empty / zero values leave the file value in place.
type envOverrides struct {
	Listen      string `env:"AGENDA_LISTEN"`
	Timezone    string `env:"AGENDA_TIMEZONE"`
	RefreshCron string `env:"AGENDA_REFRESH"`
	WindowDays  int    `env:"AGENDA_WINDOW_DAYS"`
	StorePath   string `env:"AGENDA_STORE_PATH"`
	ICSCacheDir string `env:"AGENDA_ICS_CACHE_DIR"`
	SNSTopicARN string `env:"AGENDA_SNS_TOPIC_ARN"`
	LogLevel    string `env:"AGENDA_LOG_LEVEL"`
	LogFormat   string `env:"AGENDA_LOG_FORMAT"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		RefreshCron: defaultRefreshCron,
		CacheTTL:    defaultCacheTTL,
		StorePath:   defaultStorePath,
		StorePoll:   defaultStorePoll,
		ICSCacheDir: defaultICSCacheDir,
		Fetch: FetchConfig{
			Timeout:       defaultFetchTO,
			RatePerSecond: defaultFetchRate,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.WindowDays < 0 {
		c.WindowDays = 0
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.StorePoll <= 0 {
		c.StorePoll = defaultStorePoll
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = defaultFetchTO
	}
	if c.Fetch.RatePerSecond < 0 {
		c.Fetch.RatePerSecond = 0
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		c.Log.Format = "text"
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ApplyEnv overlays AGENDA_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if ov.Listen != "" {
		c.Listen = ov.Listen
	}
	if ov.Timezone != "" {
		c.Timezone = ov.Timezone
	}
	if ov.RefreshCron != "" {
		c.RefreshCron = ov.RefreshCron
	}
	if ov.WindowDays > 0 {
		c.WindowDays = ov.WindowDays
	}
	if ov.StorePath != "" {
		c.StorePath = ov.StorePath
	}
	if ov.ICSCacheDir != "" {
		c.ICSCacheDir = ov.ICSCacheDir
	}
	if ov.SNSTopicARN != "" {
		c.Notify.SNSTopicARN = ov.SNSTopicARN
	}
	if ov.LogLevel != "" {
		c.Log.Level = ov.LogLevel
	}
	if ov.LogFormat != "" {
		c.Log.Format = ov.LogFormat
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path and applies
// environment overrides.
//
// If the file does not exist, a default config is written there with 0600
// permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			// Even if save fails, return cfg with error so caller can decide.
			return cfg, err
		}
		return cfg, cfg.ApplyEnv()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".agenda-config-*.tmp")
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
