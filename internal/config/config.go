package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models signoff.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		DevLogin         bool   `yaml:"dev_login"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Workflows struct {
		Kinds []WorkflowKindConfig `yaml:"kinds"`
	} `yaml:"workflows"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Cache struct {
		RedisAddr  string `yaml:"redis_addr"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"cache"`
}

// WorkflowKindConfig binds one workflow kind to the external endpoints its
// hooks call. All three URLs point at the collaborator owning the gated
// business entity.
type WorkflowKindConfig struct {
	Kind           string `yaml:"kind"`
	DetailsURL     string `yaml:"details_url"`
	ApprovedURL    string `yaml:"approved_url"`
	RejectedURL    string `yaml:"rejected_url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig is a notification sink for committed audit events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflows.Kinds) == 0 {
		return fmt.Errorf("config.workflows.kinds is required")
	}
	seen := map[string]bool{}
	for _, k := range c.Workflows.Kinds {
		if k.Kind == "" {
			return fmt.Errorf("config.workflows.kinds contains empty kind")
		}
		if seen[k.Kind] {
			return fmt.Errorf("workflow kind %s declared twice", k.Kind)
		}
		seen[k.Kind] = true
		if k.DetailsURL == "" {
			return fmt.Errorf("workflow kind %s missing details_url", k.Kind)
		}
		if k.ApprovedURL == "" {
			return fmt.Errorf("workflow kind %s missing approved_url", k.Kind)
		}
		if k.RejectedURL == "" {
			return fmt.Errorf("workflow kind %s missing rejected_url", k.Kind)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d] missing url", i)
		}
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `server:
  listen: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  dev_login: true
  allow_actor_header: false

workflows:
  kinds:
    - kind: VAULT_DOCUMENT
      details_url: http://127.0.0.1:9090/vault/documents/details
      approved_url: http://127.0.0.1:9090/vault/documents/publish
      rejected_url: http://127.0.0.1:9090/vault/documents/reject
      timeout_seconds: 5
    - kind: CHANGE_REQUEST
      details_url: http://127.0.0.1:9090/acceptance/change-requests/details
      approved_url: http://127.0.0.1:9090/acceptance/change-requests/apply
      rejected_url: http://127.0.0.1:9090/acceptance/change-requests/reject
      timeout_seconds: 5
    - kind: ENGAGEMENT_LETTER
      details_url: http://127.0.0.1:9090/engagements/letters/details
      approved_url: http://127.0.0.1:9090/engagements/letters/approve
      rejected_url: http://127.0.0.1:9090/engagements/letters/reject
      timeout_seconds: 5

notifications:
  webhooks: []

cache:
  redis_addr: ""
  ttl_seconds: 30
`
