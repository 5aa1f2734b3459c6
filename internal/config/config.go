package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models clipline.yml: the declarative project spec the composer
// turns into a concrete stage sequence, plus provider and retry settings.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Pipeline struct {
		Stages      Stages            `yaml:"stages" json:"stages"`
		Supervisors []string          `yaml:"supervisors" json:"supervisors,omitempty"`
		Gates       []string          `yaml:"gates" json:"gates,omitempty"`
		Callbacks   map[string]string `yaml:"callbacks" json:"callbacks,omitempty"`
	} `yaml:"pipeline" json:"pipeline"`
	HITL struct {
		TokenTTLHours int `yaml:"token_ttl_hours" json:"token_ttl_hours"`
	} `yaml:"hitl" json:"hitl"`
	Providers map[string]Provider `yaml:"providers" json:"providers,omitempty"`
	Webhooks  struct {
		RetentionHours int `yaml:"retention_hours" json:"retention_hours"`
	} `yaml:"webhooks" json:"webhooks"`
	DLQ struct {
		BaseDelaySeconds int `yaml:"base_delay_seconds" json:"base_delay_seconds"`
		MaxDelaySeconds  int `yaml:"max_delay_seconds" json:"max_delay_seconds"`
	} `yaml:"dlq" json:"dlq"`
	Notify struct {
		URL    string `yaml:"url" json:"url,omitempty"`
		Secret string `yaml:"secret" json:"secret,omitempty"`
	} `yaml:"notify" json:"notify"`
}

// Stages is an ordered list of stage names.
type Stages []string

// Provider holds the webhook contract settings for one external provider.
type Provider struct {
	SigningSecret string `yaml:"signing_secret" json:"signing_secret,omitempty"`
	IDHeader      string `yaml:"id_header" json:"id_header,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Bad project specs
// are fatal here, before any run is composed against them.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "content-pipeline" {
		return fmt.Errorf("config.project.kind must be 'content-pipeline'")
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Pipeline.Stages {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.pipeline.stages contains empty stage name")
		}
		if seen[s] {
			return fmt.Errorf("duplicate stage %s", s)
		}
		seen[s] = true
	}
	for _, sup := range c.Pipeline.Supervisors {
		if !seen[sup] {
			return fmt.Errorf("supervisor %s is not a declared stage", sup)
		}
	}
	for stage, provider := range c.Pipeline.Callbacks {
		if !seen[stage] {
			return fmt.Errorf("callback stage %s is not a declared stage", stage)
		}
		if provider == "" {
			return fmt.Errorf("callback stage %s has empty provider", stage)
		}
	}
	if c.HITL.TokenTTLHours < 0 {
		return fmt.Errorf("config.hitl.token_ttl_hours must not be negative")
	}
	if c.DLQ.BaseDelaySeconds < 0 || c.DLQ.MaxDelaySeconds < 0 {
		return fmt.Errorf("config.dlq delays must not be negative")
	}
	if c.DLQ.MaxDelaySeconds > 0 && c.DLQ.BaseDelaySeconds > c.DLQ.MaxDelaySeconds {
		return fmt.Errorf("config.dlq.base_delay_seconds exceeds max_delay_seconds")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clipline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "content-pipeline"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// TokenTTLHours returns the configured approval token lifetime, defaulted.
func (c *Config) TokenTTLHours() int {
	if c == nil || c.HITL.TokenTTLHours == 0 {
		return 24
	}
	return c.HITL.TokenTTLHours
}

// DLQBaseDelaySeconds returns the configured DLQ base delay, defaulted.
func (c *Config) DLQBaseDelaySeconds() int {
	if c == nil || c.DLQ.BaseDelaySeconds == 0 {
		return 60
	}
	return c.DLQ.BaseDelaySeconds
}

// DLQMaxDelaySeconds returns the configured DLQ delay cap, defaulted.
func (c *Config) DLQMaxDelaySeconds() int {
	if c == nil || c.DLQ.MaxDelaySeconds == 0 {
		return 3600
	}
	return c.DLQ.MaxDelaySeconds
}

// WebhookRetentionHours returns the webhook event TTL, defaulted.
func (c *Config) WebhookRetentionHours() int {
	if c == nil || c.Webhooks.RetentionHours == 0 {
		return 72
	}
	return c.Webhooks.RetentionHours
}

const defaultTemplate = `project:
  id: %s
  kind: content-pipeline

pipeline:
  stages: [supervisor, ideate, script, render, publish]
  supervisors: [supervisor]
  gates: [after_ideate, before_publish]
  callbacks:
    render: shotstack

hitl:
  token_ttl_hours: 24

providers:
  shotstack:
    id_header: x-shotstack-id

webhooks:
  retention_hours: 72

dlq:
  base_delay_seconds: 60
  max_delay_seconds: 3600

notify:
  url: ""
`
