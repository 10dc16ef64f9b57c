package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "trustgate.yml"

// Config models trustgate.yml. Secrets are not stored here; they come from
// the environment (see cmd/trustgate).
type Config struct {
	Decision DecisionConfig         `yaml:"decision" json:"decision"`
	Server   ServerConfig           `yaml:"server" json:"server"`
	Client   ClientConfig           `yaml:"client" json:"client"`
	Policy   PolicyConfig           `yaml:"policy" json:"policy"`
	Promos   map[string]PromoConfig `yaml:"promos" json:"promos"`
	Webhooks []WebhookConfig        `yaml:"webhooks" json:"webhooks,omitempty"`
}

type DecisionConfig struct {
	APIURL     string `yaml:"api_url" json:"api_url"`
	APIVersion string `yaml:"api_version" json:"api_version"`
	// APIKey is injected from TRUSTGATE_DECISION_API_KEY.
	APIKey              string `yaml:"-" json:"-"`
	TimeoutMS           int    `yaml:"timeout_ms" json:"timeout_ms"`
	CheckpointTimeoutMS int    `yaml:"checkpoint_timeout_ms" json:"checkpoint_timeout_ms"`
	Sync                *bool  `yaml:"sync" json:"sync,omitempty"`
}

type ServerConfig struct {
	Addr         string          `yaml:"addr" json:"addr"`
	BasePath     string          `yaml:"base_path" json:"base_path"`
	RequireAuth  bool            `yaml:"require_auth" json:"require_auth"`
	DevAuth      bool            `yaml:"dev_auth" json:"dev_auth"`
	MaxBodyBytes int64           `yaml:"max_body_bytes" json:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

type RateLimitConfig struct {
	Burst     int `yaml:"burst" json:"burst"`
	PerSecond int `yaml:"per_second" json:"per_second"`
}

type ClientConfig struct {
	MaxSteps       int `yaml:"max_steps" json:"max_steps"`
	StepTimeoutMS  int `yaml:"step_timeout_ms" json:"step_timeout_ms"`
	PollIntervalMS int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

type PolicyConfig struct {
	FailMode         string         `yaml:"fail_mode" json:"fail_mode"`
	TrackCheckpoints bool           `yaml:"track_checkpoints" json:"track_checkpoints"`
	BackendData      map[string]any `yaml:"backend_data" json:"backend_data,omitempty"`
}

type PromoConfig struct {
	Type     string  `yaml:"type" json:"type"`
	Amount   float64 `yaml:"amount" json:"amount"`
	Category string  `yaml:"category" json:"category"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

const (
	FailOpen   = "open"
	FailClosed = "closed"

	PromoPercentage  = "PERCENTAGE"
	PromoFixedAmount = "FIXED_AMOUNT"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Decision.APIURL != "" {
		u, err := url.Parse(c.Decision.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.decision.api_url must be an absolute URL")
		}
	}
	if c.Decision.TimeoutMS < 0 || c.Decision.CheckpointTimeoutMS < 0 {
		return fmt.Errorf("config.decision timeouts must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("config.server.max_body_bytes must not be negative")
	}
	if c.Server.RateLimit.Burst < 0 || c.Server.RateLimit.PerSecond < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Client.MaxSteps < 0 {
		return fmt.Errorf("config.client.max_steps must not be negative")
	}
	if c.Client.StepTimeoutMS < 0 || c.Client.PollIntervalMS < 0 {
		return fmt.Errorf("config.client timeouts must not be negative")
	}
	switch c.Policy.FailMode {
	case "", FailOpen, FailClosed:
	default:
		return fmt.Errorf("config.policy.fail_mode must be '%s' or '%s'", FailOpen, FailClosed)
	}
	for code, promo := range c.Promos {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("config.promos contains empty code")
		}
		if promo.Type != PromoPercentage && promo.Type != PromoFixedAmount {
			return fmt.Errorf("promo %s has unknown type %q", code, promo.Type)
		}
		if promo.Amount <= 0 {
			return fmt.Errorf("promo %s amount must be positive", code)
		}
		if promo.Type == PromoPercentage && promo.Amount > 100 {
			return fmt.Errorf("promo %s percentage must not exceed 100", code)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Promo looks up a promo code case-insensitively.
func (c *Config) Promo(code string) (PromoConfig, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return PromoConfig{}, false
	}
	for k, p := range c.Promos {
		if strings.ToUpper(k) == code {
			return p, true
		}
	}
	return PromoConfig{}, false
}

func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Decision.TimeoutMS) * time.Millisecond
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Client.StepTimeoutMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Client.PollIntervalMS) * time.Millisecond
}

// FailsOpen reports whether an unavailable decision service lets actions through.
func (c *Config) FailsOpen() bool {
	return c.Policy.FailMode == FailOpen
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with trustgate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	defaultPromos := cfg.Promos
	cfg.Promos = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Promos == nil {
		cfg.Promos = defaultPromos
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `decision:
  api_url: https://api.dodgeballhq.com
  api_version: v1
  timeout_ms: 10000
  checkpoint_timeout_ms: 0

server:
  addr: 127.0.0.1:3020
  base_path: /api
  require_auth: false
  dev_auth: false
  max_body_bytes: 1048576
  rate_limit:
    burst: 20
    per_second: 10

client:
  max_steps: 8
  step_timeout_ms: 120000
  poll_interval_ms: 1000

policy:
  fail_mode: closed
  track_checkpoints: false

promos:
  PERCENT10:
    type: PERCENTAGE
    amount: 10
    category: GENERAL
  FIXED10:
    type: FIXED_AMOUNT
    amount: 10
    category: GENERAL
  FIRSTORDER:
    type: PERCENTAGE
    amount: 30
    category: FIRST_PURCHASE
`
