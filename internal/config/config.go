package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "featurepilot.yml"

// Config models featurepilot.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`

		// MaxBodyBytes caps request bodies, including unauthenticated webhooks.
		MaxBodyBytes int64 `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Agent struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		BranchPrefix   string `yaml:"branch_prefix"`
		AutoCreatePR   bool   `yaml:"auto_create_pr"`
	} `yaml:"agent"`
	Webhook struct {
		// URL is the public address of POST {base_path}/webhooks/agent. When
		// empty, runs are tracked by polling only.
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Poll struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		MaxAttempts     int `yaml:"max_attempts"`
		// Always polls runs even when webhooks are configured.
		Always bool `yaml:"always"`
	} `yaml:"poll"`
	Auth struct {
		JWTSecret          string `yaml:"jwt_secret"`
		AllowDevUserHeader bool   `yaml:"allow_dev_user_header"`
	} `yaml:"auth"`
	Hub struct {
		WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	} `yaml:"hub"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Prompts struct {
		// Dir holds template overrides; files there shadow the built-in prompts.
		Dir string `yaml:"dir"`
	} `yaml:"prompts"`
	Notify struct {
		IntervalSeconds int          `yaml:"interval_seconds"`
		Hooks           []NotifyHook `yaml:"hooks"`
	} `yaml:"notify"`
}

type NotifyHook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (h NotifyHook) Active() bool {
	return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("config.server.max_body_bytes must not be negative")
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("config.agent.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Agent.BaseURL); err != nil {
		return fmt.Errorf("config.agent.base_url is invalid: %w", err)
	}
	if c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("config.agent.timeout_seconds must not be negative")
	}
	if c.Webhook.URL != "" {
		if _, err := url.ParseRequestURI(c.Webhook.URL); err != nil {
			return fmt.Errorf("config.webhook.url is invalid: %w", err)
		}
		if c.Webhook.Secret == "" {
			return fmt.Errorf("config.webhook.secret is required when webhook.url is set")
		}
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("config.poll.interval_seconds must be positive")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("config.poll.max_attempts must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, h := range c.Notify.Hooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("config.notify.hooks[%d].url is required", i)
		}
		for _, evt := range h.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.notify.hooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// MaxBodyBytes is the request body limit, 1 MiB when unset.
func (c *Config) MaxBodyBytes() int64 {
	if c.Server.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return c.Server.MaxBodyBytes
}

func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

func (c *Config) HubWriteTimeout() time.Duration {
	if c.Hub.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Hub.WriteTimeoutSeconds) * time.Second
}

func (c *Config) NotifyInterval() time.Duration {
	if c.Notify.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Notify.IntervalSeconds) * time.Second
}

// WebhooksEnabled reports whether agents are created with a callback.
func (c *Config) WebhooksEnabled() bool {
	return c.Webhook.URL != ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	return LoadWith(workspace, nil)
}

// Overridable lists the dotted keys that LoadWith may take from lookup.
var Overridable = []string{
	"server.addr",
	"server.base_path",
	"agent.base_url",
	"agent.api_key",
	"webhook.url",
	"webhook.secret",
	"auth.jwt_secret",
	"log.level",
	"log.format",
}

// LoadWith reads config from workspace, replaces every Overridable key for
// which lookup returns a non-empty value, then validates.
func LoadWith(workspace string, lookup func(key string) string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if lookup != nil {
		for _, key := range Overridable {
			if v := strings.TrimSpace(lookup(key)); v != "" {
				cfg.set(key, v)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) set(key, v string) {
	switch key {
	case "server.addr":
		c.Server.Addr = v
	case "server.base_path":
		c.Server.BasePath = v
	case "agent.base_url":
		c.Agent.BaseURL = v
	case "agent.api_key":
		c.Agent.APIKey = v
	case "webhook.url":
		c.Webhook.URL = v
	case "webhook.secret":
		c.Webhook.Secret = v
	case "auth.jwt_secret":
		c.Auth.JWTSecret = v
	case "log.level":
		c.Log.Level = v
	case "log.format":
		c.Log.Format = v
	}
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes layered over the defaults, then validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  max_body_bytes: 1048576

agent:
  base_url: https://api.cursor.com/v0
  api_key: ""          # FEATUREPILOT_AGENT_API_KEY
  timeout_seconds: 30
  branch_prefix: featurepilot/
  auto_create_pr: true

webhook:
  url: ""              # e.g. https://example.com/v1/webhooks/agent
  secret: ""           # FEATUREPILOT_WEBHOOK_SECRET

poll:
  interval_seconds: 10
  max_attempts: 360
  always: false

auth:
  jwt_secret: ""       # FEATUREPILOT_AUTH_JWT_SECRET
  allow_dev_user_header: false

hub:
  write_timeout_seconds: 10

log:
  level: info
  format: text

prompts:
  dir: ""              # overrides for orchestrator.tmpl, subagent.tmpl, answers.tmpl

notify:
  interval_seconds: 2
  hooks: []
`
