// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvTestURL       = "CREWPLAN_SYNC_TEST_URL"
	EnvTestAnonKey   = "CREWPLAN_SYNC_TEST_ANON_KEY"
	EnvAllowedTarget = "CREWPLAN_SYNC_ALLOWED_TEST_PROJECTS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist crashes the process unless the project named by
// urlEnvVar is listed in CREWPLAN_SYNC_ALLOWED_TEST_PROJECTS. The suite
// writes rows, so it must never run against a production project by
// accident.
func ValidateAllowlist(urlEnvVar string) {
	allowlist := os.Getenv(EnvAllowedTarget)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedTarget)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=https://abcd.supabase.co\n", EnvAllowedTarget)
		os.Exit(1)
	}

	target := os.Getenv(urlEnvVar)
	if target == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", urlEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == strings.TrimRight(target, "/") {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", urlEnvVar, target, EnvAllowedTarget, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// WriteConfig writes a config file for the test project with every piece
// of local state kept under dir, and returns its path. Crashes on failure
// because tests cannot proceed without it.
func WriteConfig(dir, projectURL, anonKey string) string {
	content := fmt.Sprintf(`[supabase]
url = %q
anon_key = %q

[storage]
snapshot_db = %q
session_file = %q
pid_file = %q

[logging]
log_format = "text"
`,
		projectURL, anonKey,
		filepath.Join(dir, "snapshots.db"),
		filepath.Join(dir, "session.json"),
		filepath.Join(dir, "watch.pid"),
	)

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", path, err)
		os.Exit(1)
	}

	return path
}
