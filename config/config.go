package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// APIConfig describes how to reach the device backend.
type APIConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Token     string   `yaml:"token,omitempty"`
	TokenFile string   `yaml:"token_file,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig toggles metrics collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// LiveViewConfig configures the local dashboard server.
type LiveViewConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// PollingConfig holds the refresh interval of each status feed.
type PollingConfig struct {
	ServiceMode  Duration `yaml:"service_mode,omitempty"`
	MachineState Duration `yaml:"machine_state,omitempty"`
	Readings     Duration `yaml:"readings,omitempty"`
	Devices      Duration `yaml:"devices,omitempty"`
}

// ActivityConfig bounds the operator activity log.
type ActivityConfig struct {
	Capacity int `yaml:"capacity,omitempty"`
}

// StatusRuleConfig maps an expression over a service mode status to a display class.
type StatusRuleConfig struct {
	Class string `yaml:"class"`
	When  string `yaml:"when"`
}

// ReportsConfig controls where downloaded reports are written.
type ReportsConfig struct {
	OutputDir string `yaml:"output_dir,omitempty"`
}

// Config is the root configuration structure for the console.
type Config struct {
	API         APIConfig          `yaml:"api"`
	Logging     LoggingConfig      `yaml:"logging"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	LiveView    LiveViewConfig     `yaml:"live_view"`
	Polling     PollingConfig      `yaml:"polling"`
	Activity    ActivityConfig     `yaml:"activity"`
	StatusRules []StatusRuleConfig `yaml:"status_rules,omitempty"`
	Reports     ReportsConfig      `yaml:"reports"`
	Timezone    string             `yaml:"timezone,omitempty"`
	HotReload   bool               `yaml:"hot_reload,omitempty"`
	Source      string             `yaml:"-"`
}

const (
	defaultListen              = ":18080"
	defaultActivityCapacity    = 100
	defaultServiceModeInterval = 2 * time.Second
	defaultMachineInterval     = 5 * time.Second
	defaultReadingsInterval    = 2 * time.Second
	defaultDevicesInterval     = 10 * time.Second
)

// Load reads and decodes the configuration file from disk. Files with a .cue
// extension are evaluated as CUE, everything else is parsed as YAML.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	if strings.EqualFold(filepath.Ext(abs), ".cue") {
		raw, err = evaluateCUE(abs, raw)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	cfg.Source = abs
	return cfg, nil
}

// Parse decodes a YAML (or JSON) document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url: unsupported scheme %q", u.Scheme)
	}
	if c.API.Timeout.Duration < 0 {
		return errors.New("api.timeout must not be negative")
	}
	for i, rule := range c.StatusRules {
		if strings.TrimSpace(rule.Class) == "" {
			return fmt.Errorf("status_rules[%d]: class is required", i)
		}
		if strings.TrimSpace(rule.When) == "" {
			return fmt.Errorf("status_rules[%d]: when is required", i)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// ListenAddress returns the live view listen address.
func (c *Config) ListenAddress() string {
	if c == nil || strings.TrimSpace(c.LiveView.Listen) == "" {
		return defaultListen
	}
	return c.LiveView.Listen
}

// ActivityCapacity returns the maximum number of retained activity entries.
func (c *Config) ActivityCapacity() int {
	if c == nil || c.Activity.Capacity <= 0 {
		return defaultActivityCapacity
	}
	return c.Activity.Capacity
}

// ServiceModeInterval returns the refresh interval of the service mode status.
func (c *Config) ServiceModeInterval() time.Duration {
	return pick(c, func(p PollingConfig) Duration { return p.ServiceMode }, defaultServiceModeInterval)
}

// MachineStateInterval returns the refresh interval of the machine state feed.
func (c *Config) MachineStateInterval() time.Duration {
	return pick(c, func(p PollingConfig) Duration { return p.MachineState }, defaultMachineInterval)
}

// ReadingsInterval returns the refresh interval of dynamic readings.
func (c *Config) ReadingsInterval() time.Duration {
	return pick(c, func(p PollingConfig) Duration { return p.Readings }, defaultReadingsInterval)
}

// DevicesInterval returns the refresh interval of the device list.
func (c *Config) DevicesInterval() time.Duration {
	return pick(c, func(p PollingConfig) Duration { return p.Devices }, defaultDevicesInterval)
}

// ReportDir returns the directory downloaded reports are written to.
func (c *Config) ReportDir() string {
	if c == nil || strings.TrimSpace(c.Reports.OutputDir) == "" {
		return "."
	}
	return c.Reports.OutputDir
}

// Location resolves the timezone used for calendar calculations.
func (c *Config) Location() (*time.Location, error) {
	if c == nil || strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func pick(c *Config, field func(PollingConfig) Duration, fallback time.Duration) time.Duration {
	if c == nil {
		return fallback
	}
	if d := field(c.Polling).Duration; d > 0 {
		return d
	}
	return fallback
}

// SourceFiles lists the files a running console depends on. Changes to any of
// them trigger a hot reload.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	files := make([]string, 0, 2)
	if cfg.Source != "" {
		files = append(files, cfg.Source)
	}
	if cfg.API.TokenFile != "" {
		if abs, err := filepath.Abs(cfg.API.TokenFile); err == nil {
			files = append(files, abs)
		}
	}
	return files
}
