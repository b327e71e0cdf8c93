package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "CREWPLAN_SYNC_CONFIG"
	EnvURL      = "CREWPLAN_SYNC_URL"
	EnvAnonKey  = "CREWPLAN_SYNC_ANON_KEY"
	EnvEmail    = "CREWPLAN_SYNC_EMAIL"
	EnvPassword = "CREWPLAN_SYNC_PASSWORD" //nolint:gosec // variable name, not a credential
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CREWPLAN_SYNC_CONFIG: override config file path
	URL        string // CREWPLAN_SYNC_URL: project URL
	AnonKey    string // CREWPLAN_SYNC_ANON_KEY: project anon key
	Email      string // CREWPLAN_SYNC_EMAIL: login email
	Password   string // CREWPLAN_SYNC_PASSWORD: login password, never stored
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		URL:        os.Getenv(EnvURL),
		AnonKey:    os.Getenv(EnvAnonKey),
		Email:      os.Getenv(EnvEmail),
		Password:   os.Getenv(EnvPassword),
	}
}
