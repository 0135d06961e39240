package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models checkline.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Intervals struct {
		DisplayTick       string `yaml:"display_tick"`
		TimeCheckpoint    string `yaml:"time_checkpoint"`
		ReconcilePoll     string `yaml:"reconcile_poll"`
		InteractionWindow string `yaml:"interaction_window"`
	} `yaml:"intervals"`
	Thresholds struct {
		// CompletionDelta is the minimum completion-percentage change that
		// triggers a metrics write alongside a response save.
		CompletionDelta int `yaml:"completion_delta"`
		// TimeDeltaHours is the minimum time-spent change the reconciler
		// considers meaningful.
		TimeDeltaHours float64 `yaml:"time_delta_hours"`
	} `yaml:"thresholds"`
	Responses struct {
		// ExtraNotApplicable extends the built-in "not applicable"
		// spellings for sites with older exported data.
		ExtraNotApplicable []string `yaml:"extra_not_applicable"`
	} `yaml:"responses"`
	Server struct {
		Addr string `yaml:"addr"`
		Auth struct {
			JWTSecret              string `yaml:"jwt_secret"`
			AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		} `yaml:"auth"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one event push target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	defaultDisplayTick       = time.Second
	defaultTimeCheckpoint    = 2 * time.Minute
	defaultReconcilePoll     = 5 * time.Second
	defaultInteractionWindow = time.Second
	defaultCompletionDelta   = 1
	defaultTimeDeltaHours    = 0.01
)

func (c *Config) DisplayTick() time.Duration {
	return parseDuration(c.Intervals.DisplayTick, defaultDisplayTick)
}

func (c *Config) TimeCheckpoint() time.Duration {
	return parseDuration(c.Intervals.TimeCheckpoint, defaultTimeCheckpoint)
}

func (c *Config) ReconcilePoll() time.Duration {
	return parseDuration(c.Intervals.ReconcilePoll, defaultReconcilePoll)
}

func (c *Config) InteractionWindow() time.Duration {
	return parseDuration(c.Intervals.InteractionWindow, defaultInteractionWindow)
}

func (c *Config) CompletionDelta() int {
	if c.Thresholds.CompletionDelta <= 0 {
		return defaultCompletionDelta
	}
	return c.Thresholds.CompletionDelta
}

func (c *Config) TimeDeltaHours() float64 {
	if c.Thresholds.TimeDeltaHours <= 0 {
		return defaultTimeDeltaHours
	}
	return c.Thresholds.TimeDeltaHours
}

func (c *Config) ServerAddr() string {
	if c.Server.Addr == "" {
		return "127.0.0.1:8743"
	}
	return c.Server.Addr
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate ensures configured values parse; empty fields fall back to
// defaults and are not an error.
func (c *Config) Validate() error {
	for field, raw := range map[string]string{
		"intervals.display_tick":       c.Intervals.DisplayTick,
		"intervals.time_checkpoint":    c.Intervals.TimeCheckpoint,
		"intervals.reconcile_poll":     c.Intervals.ReconcilePoll,
		"intervals.interaction_window": c.Intervals.InteractionWindow,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config %s: %w", field, err)
		} else if d <= 0 {
			return fmt.Errorf("config %s must be positive", field)
		}
	}
	if c.Thresholds.CompletionDelta < 0 {
		return fmt.Errorf("config thresholds.completion_delta must not be negative")
	}
	if c.Thresholds.TimeDeltaHours < 0 {
		return fmt.Errorf("config thresholds.time_delta_hours must not be negative")
	}
	for _, v := range c.Responses.ExtraNotApplicable {
		if v == "" {
			return fmt.Errorf("config responses.extra_not_applicable contains an empty spelling")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "checkline.yml")
}

// Load reads config from the workspace, failing if it is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ckl init or create it from the default template", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML for ckl init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workspace:
  name: checkline

intervals:
  display_tick: 1s
  time_checkpoint: 2m
  reconcile_poll: 5s
  interaction_window: 1s

thresholds:
  completion_delta: 1
  time_delta_hours: 0.01

responses:
  extra_not_applicable: []

server:
  addr: 127.0.0.1:8743
  auth:
    jwt_secret: ""
    allow_legacy_actor_header: true
`
