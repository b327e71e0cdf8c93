package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "crewplan-sync"

// File names inside the platform directories.
const (
	configFileName   = "config.toml"
	sessionFileName  = "session.json"
	snapshotFileName = "snapshots.db"
	pidFileName      = "crewplan-sync.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/crewplan-sync).
// On macOS, uses ~/Library/Application Support/crewplan-sync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (session file, PID file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/crewplan-sync).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultCacheDir returns the platform-specific directory for the snapshot
// cache.
// On Linux, respects XDG_CACHE_HOME (defaults to ~/.cache/crewplan-sync).
// On macOS, uses ~/Library/Caches/crewplan-sync.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CACHE_HOME", home, ".cache")
	case platformDarwin:
		return filepath.Join(home, "Library", "Caches", appName)
	default:
		return filepath.Join(home, ".cache", appName)
	}
}

func xdgDir(envVar, home, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	return joinDir(DefaultConfigDir(), configFileName)
}

// SessionPath returns the session file path, honoring storage.session_file.
func (c *Config) SessionPath() string {
	if c.Storage.SessionFile != "" {
		return c.Storage.SessionFile
	}

	return joinDir(DefaultDataDir(), sessionFileName)
}

// SnapshotPath returns the snapshot database path, honoring
// storage.snapshot_db.
func (c *Config) SnapshotPath() string {
	if c.Storage.SnapshotDB != "" {
		return c.Storage.SnapshotDB
	}

	return joinDir(DefaultCacheDir(), snapshotFileName)
}

// PIDPath returns the PID file path, honoring storage.pid_file.
func (c *Config) PIDPath() string {
	if c.Storage.PIDFile != "" {
		return c.Storage.PIDFile
	}

	return joinDir(DefaultDataDir(), pidFileName)
}

func joinDir(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
