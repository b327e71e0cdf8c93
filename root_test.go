package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must either:
//   - Set globals AFTER newRootCmd() returns (direct function tests), or
//   - Use cmd.SetArgs() + cmd.Execute() to let Cobra parse flags (integration tests).
//
// Setting a global before newRootCmd() and expecting it to survive is a bug.

// saveGlobals restores every package-level flag and resolved value when
// the test ends.
func saveGlobals(t *testing.T) {
	t.Helper()

	oldCfg, oldPath := resolvedCfg, resolvedPath
	oldConfigPath, oldURL, oldLevel := flagConfigPath, flagURL, flagLogLevel
	oldJSON, oldVerbose, oldQuiet := flagJSON, flagVerbose, flagQuiet

	t.Cleanup(func() {
		resolvedCfg, resolvedPath = oldCfg, oldPath
		flagConfigPath, flagURL, flagLogLevel = oldConfigPath, oldURL, oldLevel
		flagJSON, flagVerbose, flagQuiet = oldJSON, oldVerbose, oldQuiet
	})
}

// clearEnv keeps the developer's environment out of config resolution.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, name := range []string{
		config.EnvConfig, config.EnvURL, config.EnvAnonKey, config.EnvEmail, config.EnvPassword,
	} {
		t.Setenv(name, "")
	}
}

// writeCLIConfig writes a config for projectURL whose local state lives in
// a temp dir, and returns its path.
func writeCLIConfig(t *testing.T, projectURL string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `[supabase]
url = "` + projectURL + `"
anon_key = "anon-key"

[health]
probe_timeout = "1s"

[storage]
snapshot_db = "` + filepath.Join(dir, "snapshots.db") + `"
session_file = "` + filepath.Join(dir, "session.json") + `"
pid_file = "` + filepath.Join(dir, "watch.pid") + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// --- buildLogger tests ---

func TestBuildLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		cfgLevel    string
		verbose     bool
		quiet       bool
		enabled     slog.Level
		notEnabled  slog.Level
		checkAbsent bool
	}{
		{name: "default", enabled: slog.LevelInfo, notEnabled: slog.LevelDebug, checkAbsent: true},
		{name: "config debug", cfgLevel: "debug", enabled: slog.LevelDebug},
		{name: "config warn", cfgLevel: "warn", enabled: slog.LevelWarn, notEnabled: slog.LevelInfo, checkAbsent: true},
		{name: "verbose overrides config", cfgLevel: "error", verbose: true, enabled: slog.LevelDebug},
		{
			name: "quiet overrides config", cfgLevel: "debug", quiet: true,
			enabled: slog.LevelError, notEnabled: slog.LevelWarn, checkAbsent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saveGlobals(t)

			cfg := config.DefaultConfig()
			if tt.cfgLevel != "" {
				cfg.Logging.LogLevel = tt.cfgLevel
			}

			resolvedCfg = cfg
			flagVerbose = tt.verbose
			flagQuiet = tt.quiet

			logger, closeLog, err := buildLogger()
			require.NoError(t, err)

			defer closeLog()

			ctx := context.Background()
			assert.True(t, logger.Handler().Enabled(ctx, tt.enabled))

			if tt.checkAbsent {
				assert.False(t, logger.Handler().Enabled(ctx, tt.notEnabled))
			}
		})
	}
}

func TestBuildLogger_NoConfig(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = nil
	flagVerbose = false
	flagQuiet = false

	logger, closeLog, err := buildLogger()
	require.NoError(t, err)

	defer closeLog()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_LogFileGetsJSON(t *testing.T) {
	saveGlobals(t)

	path := filepath.Join(t.TempDir(), "sync.log")

	cfg := config.DefaultConfig()
	cfg.Logging.LogFile = path
	resolvedCfg = cfg
	flagVerbose = false
	flagQuiet = false

	logger, closeLog, err := buildLogger()
	require.NoError(t, err)

	logger.Info("hello", slog.String("kind", "statuses"))
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "statuses", entry["kind"])
}

func TestBuildLogger_UnwritableLogFile(t *testing.T) {
	saveGlobals(t)

	cfg := config.DefaultConfig()
	cfg.Logging.LogFile = filepath.Join(t.TempDir(), "missing", "dir", "sync.log")
	resolvedCfg = cfg

	_, _, err := buildLogger()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening log file")
}

func TestNewHandler_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		json   bool
	}{
		{"json", true},
		{"text", false},
		{"auto", true}, // a buffer is not a terminal
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			slog.New(newHandler(&buf, tt.format, slog.LevelInfo)).Info("probe")

			assert.Equal(t, tt.json, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

// --- command tree tests ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"watch", "check", "fetch", "snapshot", "reload", "login", "logout", "whoami", "config"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "url", "log-level", "json", "verbose", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "expected persistent flag %q not found", name)
	}
}

func TestSkipConfigCommands_UsesCommandPath(t *testing.T) {
	cmd := newRootCmd()

	sub, _, err := cmd.Find([]string{"config", "path"})
	require.NoError(t, err)
	assert.True(t, skipConfigCommands[sub.CommandPath()])

	assert.False(t, skipConfigCommands["path"], "bare names must not match")
}

func TestConfigPath_SkipsBrokenConfig(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ["), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "config", "path"})

	assert.NoError(t, cmd.Execute())
}

// --- loadConfig tests ---

func TestLoadConfig_ValidTOML(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)

	path := writeCLIConfig(t, "https://abcd.supabase.co")

	cmd := newRootCmd()
	flagConfigPath = path

	require.NoError(t, loadConfig(cmd))
	require.NotNil(t, resolvedCfg)

	assert.Equal(t, "https://abcd.supabase.co", resolvedCfg.Supabase.URL)
	assert.Equal(t, path, resolvedPath)
}

func TestLoadConfig_URLFlagWins(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)
	t.Setenv(config.EnvURL, "https://env.supabase.co")

	path := writeCLIConfig(t, "https://file.supabase.co")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "--url", "https://flag.supabase.co", "config", "show"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "https://flag.supabase.co", resolvedCfg.Supabase.URL)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[debounce]\ndelya = \"1s\"\n"), 0o600))

	cmd := newRootCmd()
	flagConfigPath = path

	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

// --- client construction ---

func TestDefaultHTTPClient_Timeouts(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	client := defaultHTTPClient(cfg)

	assert.Equal(t, cfg.DataTimeout(), client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, cfg.ConnectTimeout(), transport.TLSHandshakeTimeout)

	assert.Zero(t, realtimeHTTPClient(cfg).Timeout, "the websocket client must not time out")
}

func TestNewClient_RequiresProject(t *testing.T) {
	t.Parallel()

	_, _, err := newClient(config.DefaultConfig(), slog.Default())
	assert.ErrorIs(t, err, config.ErrNoProject)
}

func TestNewClient_AnonWithoutSession(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Supabase.URL = "https://abcd.supabase.co"
	cfg.Supabase.AnonKey = "anon-key"
	cfg.Storage.SessionFile = filepath.Join(t.TempDir(), "session.json")

	client, ts, err := newClient(cfg, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, client)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "anon-key", tok)
}

// --- check command ---

func TestCheck_Online(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", writeCLIConfig(t, srv.URL), "--json", "--quiet", "check"})

	assert.NoError(t, cmd.Execute())
}

func TestCheck_OfflineReturnsSentinel(t *testing.T) {
	saveGlobals(t)
	clearEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", writeCLIConfig(t, srv.URL), "--json", "--quiet", "check"})

	assert.ErrorIs(t, cmd.Execute(), errOffline)
}
