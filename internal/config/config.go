// Package config loads service configuration from TESSERA_-prefixed
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the API server.
type Config struct {
	Addr        string `env:"TESSERA_ADDR"         envDefault:":8080"`
	PGDSN       string `env:"TESSERA_PG_DSN"`
	Application string `env:"TESSERA_APPLICATION"  envDefault:"identity"`

	PasswordExpiresInDays int `env:"TESSERA_PASSWORD_EXPIRES_IN_DAYS"      envDefault:"93"`
	PasswordChangeWindow  int `env:"TESSERA_PASSWORD_CHANGE_WINDOW_DAYS"   envDefault:"4"`
	HashIterations        int `env:"TESSERA_HASH_ITERATIONS"               envDefault:"4096"`

	TokenIssuer string        `env:"TESSERA_TOKEN_ISSUER"  envDefault:"tessera"`
	AccessTTL   time.Duration `env:"TESSERA_ACCESS_TTL"    envDefault:"15m"`
	RefreshTTL  time.Duration `env:"TESSERA_REFRESH_TTL"   envDefault:"12h"`

	FederatedJWKSURL string        `env:"TESSERA_FEDERATED_JWKS_URL"`
	FederatedIssuer  string        `env:"TESSERA_FEDERATED_ISSUER"`
	FederatedRole    string        `env:"TESSERA_FEDERATED_ROLE"    envDefault:"user"`
	VerifierTimeout  time.Duration `env:"TESSERA_VERIFIER_TIMEOUT"  envDefault:"5s"`

	RateLimitRPS   float64 `env:"TESSERA_RATE_LIMIT_RPS"   envDefault:"20"`
	RateLimitBurst int     `env:"TESSERA_RATE_LIMIT_BURST" envDefault:"40"`
	MaxBodyBytes   int64   `env:"TESSERA_MAX_BODY_BYTES"   envDefault:"1048576"`

	PushGatewayURL     string        `env:"TESSERA_PUSH_GATEWAY_URL"`
	PushGatewayTimeout time.Duration `env:"TESSERA_PUSH_GATEWAY_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PasswordExpiresInDays <= 0 || cfg.PasswordChangeWindow <= 0 {
		return nil, fmt.Errorf("password expiration windows must be positive")
	}
	if cfg.HashIterations <= 0 {
		return nil, fmt.Errorf("hash iteration count must be positive")
	}
	return cfg, nil
}
