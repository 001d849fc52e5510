// Package config loads the studio-ledger configuration.
//
// Sources are applied in order: DefaultConfig, an optional YAML file, an
// optional .env file, then STUDIO_* environment variables. Validate runs last.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/holiday"
	"github.com/warp/studio-ledger/school"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Database DatabaseConfig     `yaml:"database"`
	Calendar CalendarConfig     `yaml:"calendar"`
	Fees     school.FeeSchedule `yaml:"fees"`
	Auth     AuthConfig         `yaml:"auth"`
	Audit    AuditConfig        `yaml:"audit"`
	Retry    school.RetryPolicy `yaml:"retry"`
	Log      LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowedOrigins lists the CORS origins (empty = same origin only)
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DatabaseConfig selects the document store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "memory"
	Driver string `yaml:"driver"`
	// Path is the SQLite file (":memory:" for a throwaway database)
	Path string `yaml:"path"`
}

// CalendarConfig configures dates and the recurring holiday rules.
type CalendarConfig struct {
	Timezone       string                  `yaml:"timezone"`
	FeeYearStart   string                  `yaml:"feeYearStart"` // MM-DD
	ClosedWeekdays []string                `yaml:"closedWeekdays"`
	Annual         []holiday.AnnualHoliday `yaml:"annual"`
}

// AuthConfig configures sessions.
type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"tokenTTL"`
	BcryptCost int           `yaml:"bcryptCost"`
}

// AuditConfig configures the audit retry queue.
type AuditConfig struct {
	QueueSize int `yaml:"queueSize"`
	// FlushSchedule is a cron schedule for draining queued events
	FlushSchedule string `yaml:"flushSchedule"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a Config with the studio defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "studio.db"},
		Calendar: CalendarConfig{
			Timezone:       "UTC",
			FeeYearStart:   "08-13",
			ClosedWeekdays: []string{"sunday"},
		},
		Fees:  school.DefaultFeeSchedule(),
		Auth:  AuthConfig{Issuer: "studio-ledger", TokenTTL: 12 * time.Hour, BcryptCost: 12},
		Audit: AuditConfig{QueueSize: 1024, FlushSchedule: "@every 30s"},
		Retry: school.DefaultRetryPolicy(),
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from path (optional), envFile (optional)
// and the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STUDIO_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("STUDIO_ADDR", &c.Server.Addr)
	str("STUDIO_DB_DRIVER", &c.Database.Driver)
	str("STUDIO_DB_PATH", &c.Database.Path)
	str("STUDIO_TIMEZONE", &c.Calendar.Timezone)
	str("STUDIO_FEE_YEAR_START", &c.Calendar.FeeYearStart)
	str("STUDIO_JWT_SECRET", &c.Auth.Secret)
	str("STUDIO_AUDIT_SCHEDULE", &c.Audit.FlushSchedule)
	str("STUDIO_LOG_LEVEL", &c.Log.Level)
	str("STUDIO_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("STUDIO_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("STUDIO_CLOSED_WEEKDAYS"); ok {
		c.Calendar.ClosedWeekdays = splitList(v)
	}
	if v, ok := lookup("STUDIO_TOKEN_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STUDIO_TOKEN_TTL: %w", err)
		}
		c.Auth.TokenTTL = d
	}
	if v, ok := lookup("STUDIO_AUDIT_QUEUE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STUDIO_AUDIT_QUEUE_SIZE: %w", err)
		}
		c.Audit.QueueSize = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Anchor(); err != nil {
		return err
	}
	if _, err := c.HolidayRules(); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters (set STUDIO_JWT_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.tokenTTL must be positive")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queueSize must be positive")
	}
	if _, err := cron.ParseStandard(c.Audit.FlushSchedule); err != nil {
		return fmt.Errorf("audit.flushSchedule: %w", err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Location resolves the calendar timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar.timezone: %w", err)
	}
	return loc, nil
}

// Anchor parses the fee-year start.
func (c *Config) Anchor() (calendar.Anchor, error) {
	m, d, ok := strings.Cut(c.Calendar.FeeYearStart, "-")
	month, errM := strconv.Atoi(m)
	day, errD := strconv.Atoi(d)
	if !ok || errM != nil || errD != nil {
		return calendar.Anchor{}, fmt.Errorf("calendar.feeYearStart must be MM-DD, got %q", c.Calendar.FeeYearStart)
	}
	a := calendar.Anchor{Month: time.Month(month), Day: day}
	if err := a.Validate(); err != nil {
		return calendar.Anchor{}, fmt.Errorf("calendar.feeYearStart: %w", err)
	}
	return a, nil
}

// HolidayRules converts the calendar section into holiday rules.
func (c *Config) HolidayRules() (holiday.Rules, error) {
	rules := holiday.Rules{Annual: c.Calendar.Annual}
	for _, name := range c.Calendar.ClosedWeekdays {
		wd, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return holiday.Rules{}, fmt.Errorf("calendar.closedWeekdays: unknown weekday %q", name)
		}
		rules.ClosedWeekdays = append(rules.ClosedWeekdays, wd)
	}
	for _, h := range c.Calendar.Annual {
		if strings.TrimSpace(h.Name) == "" {
			return holiday.Rules{}, fmt.Errorf("calendar.annual: holiday name is required")
		}
	}
	return rules, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
