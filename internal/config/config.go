package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shalteor/zerotrace/internal/llm"
	"github.com/shalteor/zerotrace/internal/prefs"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for zerotrace
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	LLM         LLMConfig         `yaml:"llm"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DatabaseConfig holds SQLite configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration. An empty secret makes the
// daemon generate one per run.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

// LLMConfig holds the chat-completions upstream configuration
type LLMConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	APIKey    string        `yaml:"apiKey"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PreferencesConfig holds the preferences store configuration
type PreferencesConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3000,
			AllowedOrigins: []string{
				"http://localhost:3000", "http://localhost:5173",
				"http://127.0.0.1:3000", "http://127.0.0.1:5173",
				"chrome-extension://*",
			},
		},
		Database: DatabaseConfig{Path: "zerotrace.db"},
		Auth:     AuthConfig{TokenTTL: 30 * time.Minute},
		LLM: LLMConfig{
			BaseURL:   llm.DefaultBaseURL,
			Model:     llm.DefaultModel,
			MaxTokens: llm.DefaultMaxTokens,
			Timeout:   llm.DefaultTimeout,
		},
		Preferences: PreferencesConfig{Debounce: prefs.DefaultDebounce},
		Log:         LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and then environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("ZT_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("ZT_PORT", c.Server.Port)
	c.Database.Path = getEnv("ZT_DB_PATH", c.Database.Path)
	c.Auth.JWTSecret = getEnv("ZT_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvAsDuration("ZT_TOKEN_TTL", c.Auth.TokenTTL)
	c.LLM.BaseURL = getEnv("ZT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("ZT_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("ZT_LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = getEnvAsInt("ZT_LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Timeout = getEnvAsDuration("ZT_LLM_TIMEOUT", c.LLM.Timeout)
	c.Preferences.Debounce = getEnvAsDuration("ZT_PREFS_DEBOUNCE", c.Preferences.Debounce)
	c.Log.Dev = getEnvAsBool("LOG_DEV", c.Log.Dev)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("jwt secret must be at least 32 characters")
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("invalid token TTL: %s", c.Auth.TokenTTL)
	}

	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("invalid llm max tokens: %d", c.LLM.MaxTokens)
	}

	if c.Preferences.Debounce < 0 {
		return fmt.Errorf("invalid preferences debounce: %s", c.Preferences.Debounce)
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		// LOG_DEV=1 is the documented form
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
