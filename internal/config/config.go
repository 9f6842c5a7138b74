// Package config loads the adminauth configuration from environment
// variables, with an optional .env file for development.
package config

import (
	"fmt"
	"net/url"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for adminauthd.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// StatePath is the bbolt file holding the persisted session.
	StatePath string `env:"STATE_PATH" envDefault:"adminauth.db"`

	// SessionKeysetPath points at a cleartext Tink keyset JSON file. When
	// set, the persisted session is encrypted at rest.
	SessionKeysetPath string `env:"SESSION_KEYSET_PATH"`

	// APIBaseURL is the backend API all module calls go to.
	APIBaseURL string `env:"API_BASE_URL"`

	// Keycloak realm and client registration.
	KeycloakURL      string `env:"KEYCLOAK_URL"`
	KeycloakRealm    string `env:"KEYCLOAK_REALM"`
	KeycloakClientID string `env:"KEYCLOAK_CLIENT_ID"`

	// KeycloakInternalURL overrides the base for direct token calls, for
	// setups where the public Keycloak hostname is not resolvable from the
	// server (e.g. a compose network). Browser-facing URLs always use
	// KeycloakURL.
	KeycloakInternalURL string `env:"KEYCLOAK_INTERNAL_URL"`

	RedirectURI           string `env:"AUTH_REDIRECT_URI"`
	PostLogoutRedirectURI string `env:"AUTH_POST_LOGOUT_REDIRECT_URI"`
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	required := []struct {
		name, value string
	}{
		{"API_BASE_URL", c.APIBaseURL},
		{"KEYCLOAK_URL", c.KeycloakURL},
		{"KEYCLOAK_REALM", c.KeycloakRealm},
		{"KEYCLOAK_CLIENT_ID", c.KeycloakClientID},
		{"AUTH_REDIRECT_URI", c.RedirectURI},
		{"AUTH_POST_LOGOUT_REDIRECT_URI", c.PostLogoutRedirectURI},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	for _, u := range []struct {
		name, value string
	}{
		{"API_BASE_URL", c.APIBaseURL},
		{"KEYCLOAK_URL", c.KeycloakURL},
		{"KEYCLOAK_INTERNAL_URL", c.KeycloakInternalURL},
		{"AUTH_REDIRECT_URI", c.RedirectURI},
	} {
		if u.value == "" {
			continue
		}
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", u.name, u.value)
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
