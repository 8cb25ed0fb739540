// Package config provides configuration management for Punchcard services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig holds configuration for the loyalty engine HTTP service.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	DatabaseURL    string

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration

	// PointValue is the redemption rate in minor currency units per point.
	PointValue int64
}

// DefaultServerConfig returns configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		RequestTimeout: 30 * time.Second,
		DatabaseURL:    "sqlite://punchcard.db",
		SweepInterval:  time.Hour,
		PointValue:     1,
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports PC_HMAC_SECRET (single) and PC_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Check single secret PC_HMAC_SECRET
	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("PC_HMAC_SECRET"); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("PC_HMAC_SECRET: %w", err)
		}
		secrets[secretID] = decoded
	}

	// Check numbered secrets PC_HMAC_SECRET_1, PC_HMAC_SECRET_2, etc.
	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("PC_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check PC_HMAC_SECRET and PC_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}

	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return secretID, secret, nil
}
