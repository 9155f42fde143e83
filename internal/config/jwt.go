package config

import (
	"fmt"
	"time"
)

// DefaultTokenTTL is the lifetime of reporting API tokens minted by the CLI.
const DefaultTokenTTL = 24 * time.Hour

// minSecretLength is the shortest HMAC secret accepted for reporting API tokens.
const minSecretLength = 16

// JWTConfig holds the signing settings for reporting API tokens.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// NewJWTConfig validates a secret and token lifetime. A zero ttl uses DefaultTokenTTL.
func NewJWTConfig(secret string, ttl time.Duration) (*JWTConfig, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	cfg := &JWTConfig{Secret: secret, TTL: ttl}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("REPORT_JWT_SECRET cannot be empty")
	}
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("REPORT_JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if c.TTL < time.Minute {
		return fmt.Errorf("token lifetime must be at least 1 minute, got: %s", c.TTL)
	}
	return nil
}

// JWT returns the token settings of the reporting API, or nil when auth is disabled.
func (c *Config) JWT() (*JWTConfig, error) {
	if c.Server.JWTSecret == "" {
		return nil, nil
	}
	return NewJWTConfig(c.Server.JWTSecret, 0)
}
