package devserver

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config holds the development server configuration. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	Port            int    `yaml:"port"`
	RedisAddr       string `yaml:"redis_addr"`
	NATSURL         string `yaml:"nats_url"`
	JWTSecret       string `yaml:"jwt_secret"`
	JoinCost        int    `yaml:"join_cost"`
	StartingBalance int    `yaml:"starting_balance"`

	PairingIntervalSeconds int `yaml:"pairing_interval_seconds"`
	CallDurationSeconds    int `yaml:"call_duration_seconds"`
	ChoiceDeadlineSeconds  int `yaml:"choice_deadline_seconds"`
}

// DefaultConfig returns the local-development defaults.
func DefaultConfig() Config {
	return Config{
		Port:                   8080,
		RedisAddr:              "localhost:6379",
		NATSURL:                "nats://localhost:4222",
		JWTSecret:              "dev-secret-change-me",
		JoinCost:               1,
		StartingBalance:        5,
		PairingIntervalSeconds: 2,
		CallDurationSeconds:    45,
		ChoiceDeadlineSeconds:  75,
	}
}

// LoadConfig reads path (when non-empty) over the defaults, then applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	if v := getEnvInt("PORT", 0); v != 0 {
		cfg.Port = v
	}
	return cfg, nil
}

// PairingInterval returns the pairing loop tick.
func (c Config) PairingInterval() time.Duration {
	return time.Duration(c.PairingIntervalSeconds) * time.Second
}

// CallDuration returns the fixed call length.
func (c Config) CallDuration() time.Duration {
	return time.Duration(c.CallDurationSeconds) * time.Second
}

// ChoiceDeadline returns the server-side decision deadline.
func (c Config) ChoiceDeadline() time.Duration {
	return time.Duration(c.ChoiceDeadlineSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		fmt.Sscanf(value, "%d", &result)
		return result
	}
	return defaultValue
}
