package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const fileName = "buildml.yml"

// Config models buildml.yml.
type Config struct {
	Training struct {
		// DelaySeconds is how long a training job runs before it
		// reaches a terminal state.
		DelaySeconds int `yaml:"delay_seconds"`
	} `yaml:"training"`
	Serving struct {
		// EndpointBase is the URL prefix for generated model endpoints;
		// the model id is appended as the final path segment.
		EndpointBase string `yaml:"endpoint_base"`
	} `yaml:"serving"`
	Auth struct {
		// AllowDevLogin enables the unauthenticated dev token endpoint.
		AllowDevLogin bool `yaml:"allow_dev_login"`
		// AllowLegacyUserHeader accepts X-User-Id without credentials.
		AllowLegacyUserHeader bool `yaml:"allow_legacy_user_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.Training.DelaySeconds = 10
	c.Serving.EndpointBase = "https://api.buildml.com/v1/models"
	return c
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".buildml", fileName)
}

// Load reads config from the workspace, falling back to defaults when
// no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Training.DelaySeconds <= 0 {
		return fmt.Errorf("config.training.delay_seconds must be positive")
	}
	base := strings.TrimSpace(c.Serving.EndpointBase)
	if base == "" {
		return fmt.Errorf("config.serving.endpoint_base is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return fmt.Errorf("config.serving.endpoint_base: %w", err)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d].events contains empty event type", i)
			}
		}
	}
	return nil
}
