// Package config loads kernel configuration from a YAML file with
// AETHER_* environment overrides. Flags applied by the CLI win over
// both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Auth    AuthConfig    `yaml:"auth"`
	Limits  LimitsConfig  `yaml:"limits"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	// ListenAddr serves the websocket gateway, login endpoint, and
	// metrics scrape.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the sqlite store and process workspaces.
	DataDir string `yaml:"data_dir"`
}

type LLMConfig struct {
	// Provider is anthropic or openai.
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	CheapModel string `yaml:"cheap_model"`
}

type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	TokenExpiry Duration `yaml:"token_expiry"`
}

// Duration accepts Go duration strings ("2h", "30m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type LimitsConfig struct {
	MaxProcessesPerUser int `yaml:"max_processes_per_user"`
	MaxProcessesGlobal  int `yaml:"max_processes_global"`
	DefaultMaxSteps     int `yaml:"default_max_steps"`
}

type SandboxConfig struct {
	// Backend is local or docker.
	Backend string `yaml:"backend"`
	// Image is the container image for the docker backend.
	Image string `yaml:"image"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8420",
			DataDir:    "./data",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Auth: AuthConfig{
			TokenExpiry: Duration(24 * time.Hour),
		},
		Limits: LimitsConfig{
			MaxProcessesPerUser: 8,
			MaxProcessesGlobal:  64,
			DefaultMaxSteps:     50,
		},
		Sandbox: SandboxConfig{
			Backend: "local",
			Image:   "alpine:3.20",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path into the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		// ${VAR} references inside the file resolve from the
		// environment, so secrets can stay out of the file itself.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays AETHER_* variables onto the loaded values.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("AETHER_LISTEN_ADDR", &c.Server.ListenAddr)
	setString("AETHER_DATA_DIR", &c.Server.DataDir)
	setString("AETHER_LLM_PROVIDER", &c.LLM.Provider)
	setString("AETHER_LLM_API_KEY", &c.LLM.APIKey)
	setString("AETHER_LLM_BASE_URL", &c.LLM.BaseURL)
	setString("AETHER_LLM_MODEL", &c.LLM.Model)
	setString("AETHER_LLM_CHEAP_MODEL", &c.LLM.CheapModel)
	setString("AETHER_JWT_SECRET", &c.Auth.JWTSecret)
	setString("AETHER_SANDBOX_BACKEND", &c.Sandbox.Backend)
	setString("AETHER_SANDBOX_IMAGE", &c.Sandbox.Image)
	setString("AETHER_LOG_LEVEL", &c.Logging.Level)
	setInt("AETHER_MAX_PROCESSES_PER_USER", &c.Limits.MaxProcessesPerUser)
	setInt("AETHER_MAX_PROCESSES_GLOBAL", &c.Limits.MaxProcessesGlobal)
	setInt("AETHER_DEFAULT_MAX_STEPS", &c.Limits.DefaultMaxSteps)

	if v, ok := os.LookupEnv("AETHER_TOKEN_EXPIRY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.TokenExpiry = Duration(d)
		}
	}
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		return fmt.Errorf("config: server.data_dir is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm.provider %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	switch c.Sandbox.Backend {
	case "local", "docker":
	default:
		return fmt.Errorf("config: unknown sandbox.backend %q", c.Sandbox.Backend)
	}
	if c.Limits.MaxProcessesPerUser <= 0 || c.Limits.MaxProcessesGlobal <= 0 {
		return fmt.Errorf("config: process limits must be positive")
	}
	if c.Limits.MaxProcessesPerUser > c.Limits.MaxProcessesGlobal {
		return fmt.Errorf("config: per-user limit exceeds global limit")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	return nil
}
