package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CalendarConfig describes a single ICS subscription the agent's showings
// are read from.
type CalendarConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url" validate:"required,url"`
	// ID is an internal identifier used in external event ids and logging.
	// It must stay stable, otherwise every appointment is re-imported.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// SourceID returns the identifier used for this calendar.
func (c CalendarConfig) SourceID() string {
	switch {
	case c.ID != "":
		return c.ID
	case c.Name != "":
		return c.Name
	default:
		return c.URL
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WindowConfig controls the fetch window relative to now.
type WindowConfig struct {
	BackfillDays int `yaml:"backfill_days" json:"backfill_days" validate:"gte=0"`
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days" validate:"gt=0"`
}

// GeocoderConfig configures the Nominatim-compatible geocoding provider.
type GeocoderConfig struct {
	BaseURL   string `yaml:"base_url" json:"base_url" validate:"required,url"`
	UserAgent string `yaml:"user_agent" json:"user_agent" validate:"required"`
	Email     string `yaml:"email,omitempty" json:"email,omitempty" validate:"omitempty,email"`
	// CountryCodes narrows results, e.g. "us". Optional.
	CountryCodes string `yaml:"country_codes,omitempty" json:"country_codes,omitempty"`

	// Timeout is the ceiling for a single geocode attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// JoinTimeout bounds how long a sync pass waits for its geocodes before
	// the fallback save. Zero means the default.
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout" validate:"gte=0"`

	// Rate is an optional limiter rate ("1-S", "60-M"). Empty means unlimited.
	Rate string `yaml:"rate,omitempty" json:"rate,omitempty"`
}

// OverrideConfig pins an address to known-good coordinates.
type OverrideConfig struct {
	Address   string  `yaml:"address" json:"address" validate:"required"`
	Latitude  float64 `yaml:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA timezone used for the fetch window.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file holding appointments.
	Database string `yaml:"database" json:"database" validate:"required"`

	// CacheDir holds the ICS conditional-GET cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" validate:"required"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for the background sync. "-" disables it.
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`

	Window WindowConfig `yaml:"window" json:"window"`

	// Keywords select showing-like events by title or location.
	Keywords []string `yaml:"keywords" json:"keywords" validate:"dive,required"`

	// Calendars is the list of subscribed ICS sources.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars" validate:"dive"`

	Geocoder GeocoderConfig `yaml:"geocoder" json:"geocoder"`

	// Overrides are consulted before the geocoder.
	Overrides []OverrideConfig `yaml:"overrides" json:"overrides" validate:"dive"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultRefreshCron = "*/15 * * * *"
	DefaultGeocoderURL = "https://nominatim.openstreetmap.org"
	DefaultUserAgent   = "safeagent/0.1 (showing sync)"

	// DefaultGeocodeTimeout is the per-attempt geocoding ceiling.
	DefaultGeocodeTimeout = 10 * time.Second
	DefaultJoinTimeout    = 15 * time.Second

	DefaultBackfillDays = 1
	DefaultHorizonDays  = 14

	// RefreshDisabled turns the background trigger off.
	RefreshDisabled = "-"
)

// DefaultKeywords are matched case-insensitively against title and location.
func DefaultKeywords() []string {
	return []string{"showing", "tour", "open house"}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      DefaultListen,
		Timezone:    "America/New_York",
		Database:    "/var/lib/safeagent/safeagent.db",
		CacheDir:    "/var/lib/safeagent/ics-cache",
		RefreshCron: DefaultRefreshCron,
		Window: WindowConfig{
			BackfillDays: DefaultBackfillDays,
			HorizonDays:  DefaultHorizonDays,
		},
		Keywords:  DefaultKeywords(),
		Calendars: []CalendarConfig{},
		Geocoder: GeocoderConfig{
			BaseURL:     DefaultGeocoderURL,
			UserAgent:   DefaultUserAgent,
			Timeout:     DefaultGeocodeTimeout,
			JoinTimeout: DefaultJoinTimeout,
		},
		Overrides: []OverrideConfig{},
		Log:       LogConfig{Level: "info"},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = "/var/lib/safeagent/safeagent.db"
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(filepath.Dir(c.Database), "ics-cache")
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.Window.BackfillDays < 0 {
		c.Window.BackfillDays = 0
	}
	if c.Window.HorizonDays <= 0 {
		c.Window.HorizonDays = DefaultHorizonDays
	}

	// Keywords are compared lowercased; drop blanks so "" never matches
	// everything.
	kws := make([]string, 0, len(c.Keywords))
	for _, k := range c.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kws = append(kws, k)
		}
	}
	if len(kws) == 0 {
		kws = DefaultKeywords()
	}
	c.Keywords = kws

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	if c.Geocoder.BaseURL == "" {
		c.Geocoder.BaseURL = DefaultGeocoderURL
	}
	if c.Geocoder.UserAgent == "" {
		c.Geocoder.UserAgent = DefaultUserAgent
	}
	if c.Geocoder.Timeout <= 0 {
		c.Geocoder.Timeout = DefaultGeocodeTimeout
	}
	if c.Geocoder.JoinTimeout <= 0 {
		c.Geocoder.JoinTimeout = DefaultJoinTimeout
	}
	if c.Overrides == nil {
		c.Overrides = []OverrideConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

var validate = validator.New()

// Validate checks the normalized config for values that cannot work.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Calendars))
	for _, cal := range c.Calendars {
		id := cal.SourceID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate calendar id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".safeagent-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
