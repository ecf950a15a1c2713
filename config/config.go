// Package config loads crawler settings from defaults, an optional YAML file
// and OPENS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/pevans/opens/athletes"
	"github.com/pevans/opens/crawl"
	"github.com/pevans/opens/leaderboard"
	"github.com/pevans/opens/logger"
	"github.com/pevans/opens/reshape"
)

// Sentinel error kinds for this package.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Config holds every setting of the crawler and the reshaper.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// StorageDriver is one of athletes.Drivers().
	StorageDriver string `koanf:"storage_driver" yaml:"storage_driver"`
	StorageDSN    string `koanf:"storage_dsn" yaml:"storage_dsn"`

	BaseURL       string        `koanf:"base_url" yaml:"base_url"`
	Year          int           `koanf:"year" yaml:"year"`
	PageSize      int           `koanf:"page_size" yaml:"page_size"`
	FetchTimeout  time.Duration `koanf:"fetch_timeout" yaml:"-"`
	FetchAttempts int           `koanf:"fetch_attempts" yaml:"fetch_attempts"`
	RetryWait     time.Duration `koanf:"retry_wait" yaml:"-"` // 0: client default, <0: none
	UserAgent     string        `koanf:"user_agent" yaml:"user_agent"`

	DivisionFirst     int `koanf:"division_first" yaml:"division_first"`
	DivisionLast      int `koanf:"division_last" yaml:"division_last"`
	RegionFirst       int `koanf:"region_first" yaml:"region_first"`
	RegionLast        int `koanf:"region_last" yaml:"region_last"`
	StartPage         int `koanf:"start_page" yaml:"start_page"`
	ContinueThreshold int `koanf:"continue_threshold" yaml:"continue_threshold"`

	// Events labels the stored score columns in order.
	Events []string `koanf:"events" yaml:"events"`

	// MetricsTextfile, when set, receives crawl metrics in Prometheus text
	// format after each crawl.
	MetricsTextfile string `koanf:"metrics_textfile" yaml:"metrics_textfile"`

	Selectors leaderboard.Selectors `koanf:"selectors" yaml:"selectors"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	client := leaderboard.DefaultClientOptions()
	bounds := crawl.DefaultConfig()

	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		StorageDriver:     athletes.DriverSQLite3,
		StorageDSN:        "opens.db",
		BaseURL:           client.BaseURL,
		Year:              client.Year,
		PageSize:          client.PageSize,
		FetchTimeout:      client.Timeout,
		FetchAttempts:     client.Attempts,
		RetryWait:         client.RetryWait,
		UserAgent:         client.UserAgent,
		DivisionFirst:     bounds.DivisionFirst,
		DivisionLast:      bounds.DivisionLast,
		RegionFirst:       bounds.RegionFirst,
		RegionLast:        bounds.RegionLast,
		StartPage:         bounds.StartPage,
		ContinueThreshold: bounds.ContinueThreshold,
		Events:            slices.Clone(reshape.DefaultLabels),
		Selectors:         leaderboard.DefaultSelectors(),
	}
}

// MarshalYAML writes durations in their readable form.
func (c Config) MarshalYAML() (any, error) {
	type Base Config
	return struct {
		Base         `yaml:",inline"`
		FetchTimeout string `yaml:"fetch_timeout"`
		RetryWait    string `yaml:"retry_wait"`
	}{Base(c), c.FetchTimeout.String(), c.RetryWait.String()}, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return invalid("%v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	}
	if !slices.Contains(athletes.Drivers(), c.StorageDriver) {
		return invalid("storage_driver must be one of %v, got %q", athletes.Drivers(), c.StorageDriver)
	}
	if c.StorageDSN == "" {
		return invalid("storage_dsn must not be empty")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return invalid("base_url: %v", err)
	}
	if c.PageSize <= 0 {
		return invalid("page_size must be positive, got %d", c.PageSize)
	}
	if c.FetchTimeout <= 0 {
		return invalid("fetch_timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.FetchAttempts < 1 {
		return invalid("fetch_attempts must be at least 1, got %d", c.FetchAttempts)
	}
	if err := c.CrawlConfig().Validate(); err != nil {
		return invalid("%v", err)
	}
	if len(c.Events) == 0 {
		return invalid("events must list at least one label")
	}
	for i, label := range c.Events {
		if label == "" {
			return invalid("events[%d] is empty", i)
		}
		if slices.Index(c.Events, label) != i {
			return invalid("duplicate event label %q", label)
		}
	}
	return nil
}

// ClientOptions returns the leaderboard client settings.
func (c *Config) ClientOptions(log logger.Logger) leaderboard.ClientOptions {
	return leaderboard.ClientOptions{
		BaseURL:   c.BaseURL,
		Year:      c.Year,
		PageSize:  c.PageSize,
		Timeout:   c.FetchTimeout,
		Attempts:  c.FetchAttempts,
		RetryWait: c.RetryWait,
		UserAgent: c.UserAgent,
		Logger:    log,
	}
}

// CrawlConfig returns the crawl bounds.
func (c *Config) CrawlConfig() crawl.Config {
	return crawl.Config{
		DivisionFirst:     c.DivisionFirst,
		DivisionLast:      c.DivisionLast,
		RegionFirst:       c.RegionFirst,
		RegionLast:        c.RegionLast,
		StartPage:         c.StartPage,
		ContinueThreshold: c.ContinueThreshold,
	}
}
