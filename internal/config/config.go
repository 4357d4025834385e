package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "tasknest.yml"

// Config models tasknest.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr" mapstructure:"addr"`
		BasePath    string   `yaml:"base_path" mapstructure:"base_path"`
		CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	} `yaml:"server" mapstructure:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
		Issuer    string `yaml:"issuer" mapstructure:"issuer"`
		Audience  string `yaml:"audience" mapstructure:"audience"`
		DevTokens bool   `yaml:"dev_tokens" mapstructure:"dev_tokens"`
	} `yaml:"auth" mapstructure:"auth"`
	Identity struct {
		URL            string `yaml:"url" mapstructure:"url"`
		AnonKey        string `yaml:"anon_key" mapstructure:"anon_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `yaml:"identity" mapstructure:"identity"`
	Storage struct {
		Driver      string `yaml:"driver" mapstructure:"driver"`
		PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
		MaxDepth    int    `yaml:"max_depth" mapstructure:"max_depth"`
	} `yaml:"storage" mapstructure:"storage"`
	AI struct {
		Provider       string `yaml:"provider" mapstructure:"provider"`
		BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
		Model          string `yaml:"model" mapstructure:"model"`
		APIKey         string `yaml:"api_key" mapstructure:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `yaml:"ai" mapstructure:"ai"`
	Stream struct {
		PollIntervalMS int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
		TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `yaml:"stream" mapstructure:"stream"`
	Log struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"log" mapstructure:"log"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("config.storage.postgres_dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.Storage.MaxDepth < 1 {
		return fmt.Errorf("config.storage.max_depth must be at least 1")
	}
	switch c.AI.Provider {
	case ProviderOpenAI:
		if strings.TrimSpace(c.AI.Model) == "" {
			return fmt.Errorf("config.ai.model is required for provider openai")
		}
	case ProviderNone:
	default:
		return fmt.Errorf("config.ai.provider must be %q or %q", ProviderOpenAI, ProviderNone)
	}
	if c.AI.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.ai.timeout_seconds must be positive")
	}
	if c.Identity.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.identity.timeout_seconds must be positive")
	}
	if c.Stream.PollIntervalMS <= 0 || c.Stream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.stream poll_interval_ms and timeout_seconds must be positive")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

func (c *Config) AITimeout() time.Duration { return time.Duration(c.AI.TimeoutSeconds) * time.Second }

func (c *Config) IdentityTimeout() time.Duration {
	return time.Duration(c.Identity.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stream.PollIntervalMS) * time.Millisecond
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Stream.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tasknest config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
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
  base_path: ""
  cors_origins: []

auth:
  # HS256 secret shared with the identity provider; TASKNEST_AUTH_JWT_SECRET overrides it.
  jwt_secret: ""
  issuer: ""
  audience: authenticated
  dev_tokens: false

identity:
  url: ""
  anon_key: ""
  timeout_seconds: 10

storage:
  driver: sqlite
  postgres_dsn: ""
  max_depth: 3

ai:
  provider: none
  base_url: ""
  model: gpt-4o-mini
  api_key: ""
  timeout_seconds: 60

stream:
  poll_interval_ms: 2000
  timeout_seconds: 120

log:
  level: info
  format: json
`
