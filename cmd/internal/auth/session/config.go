package session

import (
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Config defines the runtime configuration for access-token verification.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// AccessTokenTTL is the lifetime of tokens minted by Issue.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex signs tokens. Optional when PasetoV4PublicKeyHex is set.
	PasetoV4SecretKeyHex string

	// PasetoV4PublicKeyHex verifies tokens. Derived from the secret key when empty.
	PasetoV4PublicKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:         "tasklane",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// One of these is required:
//   - TASKLANE_PASETO_V4_SECRET_KEY_HEX
//   - TASKLANE_PASETO_V4_PUBLIC_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - TASKLANE_AUTH_ISSUER
//   - TASKLANE_AUTH_ACCESS_TTL
//   - TASKLANE_AUTH_CLOCK_SKEW
//
// Returns an error wrapping ErrConfig if configuration is invalid,
// and ErrMissingKey when no key is configured at all.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("TASKLANE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("TASKLANE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("TASKLANE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > 5*time.Minute {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("TASKLANE_PASETO_V4_SECRET_KEY_HEX"))
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("TASKLANE_PASETO_V4_PUBLIC_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" && cfg.PasetoV4PublicKeyHex == "" {
		return cfg, ErrMissingKey
	}

	return cfg, nil
}

// WithEphemeralKey returns cfg with a freshly generated secret key.
// Tokens signed with it do not survive a restart; dev mode only.
func WithEphemeralKey(cfg Config) Config {
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.PasetoV4PublicKeyHex = ""
	return cfg
}
