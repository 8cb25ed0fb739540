package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	// Set defaults matching DefaultServerConfig
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.database_url", "sqlite://punchcard.db")
	v.SetDefault("engine.sweep_interval", "1h")
	v.SetDefault("engine.point_value", 1)

	// Bind environment variables with PC_ prefix
	v.SetEnvPrefix("PC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: reject secrets in config files
	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		Host:           v.GetString("server.host"),
		Port:           v.GetInt("server.port"),
		RequestTimeout: v.GetDuration("server.request_timeout"),
		DatabaseURL:    v.GetString("server.database_url"),
		SweepInterval:  v.GetDuration("engine.sweep_interval"),
		PointValue:     v.GetInt64("engine.point_value"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port range and positive timeout, interval and rate.
func validateConfig(cfg *ServerConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.RequestTimeout)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url must not be empty")
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %v", cfg.SweepInterval)
	}
	if cfg.PointValue <= 0 {
		return fmt.Errorf("point_value must be positive, got %d", cfg.PointValue)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.IsSet("hmac_secret") || v.IsSet("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use PC_HMAC_SECRET environment variable)")
	}
	return nil
}
