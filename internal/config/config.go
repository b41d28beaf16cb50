package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Backend Configuration
	APIURL    string `yaml:"api_url" env:"ARENA_API_URL"`
	WSURL     string `yaml:"ws_url" env:"ARENA_WS_URL"`
	Transport string `yaml:"transport" env:"ARENA_TRANSPORT"`

	// NATS Configuration
	NatsURL    string `yaml:"nats_url" env:"NATS_URL"`
	NatsPrefix string `yaml:"nats_prefix" env:"ARENA_NATS_PREFIX"`

	// Credentials never come from the YAML profile
	AccessToken  string `yaml:"-" env:"ARENA_ACCESS_TOKEN"`
	RefreshToken string `yaml:"-" env:"ARENA_REFRESH_TOKEN"`
	RefreshURL   string `yaml:"refresh_url" env:"ARENA_REFRESH_URL"`

	// Reconnect Configuration
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
	AuthCloseCodes       []int         `yaml:"auth_close_codes" env:"AUTH_CLOSE_CODES" envSeparator:","`
	StallTimeout         time.Duration `yaml:"stall_timeout" env:"STALL_TIMEOUT"`

	// Database Configuration
	DBPath            string        `yaml:"db_path" env:"DB_PATH"`
	Retention         time.Duration `yaml:"retention" env:"RETENTION"`
	RetentionSchedule string        `yaml:"retention_schedule" env:"RETENTION_SCHEDULE"`

	// Development backend
	HTTPAddr      string `yaml:"http_addr" env:"HTTP_ADDR"`
	ServerToken   string `yaml:"-" env:"ARENA_SERVER_TOKEN"`
	OpenAIAPIKey  string `yaml:"-" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	ModelA        string `yaml:"model_a" env:"ARENA_MODEL_A"`
	ModelB        string `yaml:"model_b" env:"ARENA_MODEL_B"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the configuration used when nothing overrides a key
func Default() *Config {
	return &Config{
		APIURL:               "http://127.0.0.1:8081",
		WSURL:                "ws://127.0.0.1:8081",
		Transport:            "http",
		NatsURL:              "nats://127.0.0.1:4222",
		NatsPrefix:           "arena",
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 5,
		AuthCloseCodes:       []int{4001, 4003, 1008},
		StallTimeout:         60 * time.Second,
		DBPath:               "data/arena.sqlite",
		Retention:            720 * time.Hour,
		RetentionSchedule:    "@every 1h",
		HTTPAddr:             ":8081",
		ModelA:               "gpt-4o-mini",
		ModelB:               "gpt-4o",
		LogLevel:             "info",
	}
}

// Load layers configuration: defaults, then the YAML profile, then the
// environment (after loading envFile into it). Both files are optional.
func Load(envFile, yamlFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	cfg := Default()
	if yamlFile != "" {
		if err := loadYAML(yamlFile, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config profile not found", "file", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config profile: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config profile %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "http", "nats":
	default:
		return fmt.Errorf("unknown transport %q (want http or nats)", c.Transport)
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must not be below RECONNECT_BASE_DELAY")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("STALL_TIMEOUT must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog levels, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
