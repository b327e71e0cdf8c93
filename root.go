package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/crewplan/crewplan-sync/internal/config"
	"github.com/crewplan/crewplan-sync/internal/supabase"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagURL        string
	flagLogLevel   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// resolvedPath is the file it was read from (which may not exist).
var (
	resolvedCfg  *config.Config
	resolvedPath string
)

// logFilePermissions keeps log files private to the user.
const logFilePermissions = 0o600

// skipConfigCommands lists commands that run without a resolved config.
var skipConfigCommands = map[string]bool{
	"crewplan-sync config path": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crewplan-sync",
		Short:   "Realtime schedule reconciliation client",
		Long:    "Keeps a local copy of the scheduling database in step with its backend over realtime change notifications.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagURL, "url", "", "project URL (overrides config and environment)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// cliOverrides collects the flags the user explicitly set.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("url") {
		url := flagURL
		cli.URL = &url
	}

	if cmd.Flags().Changed("log-level") {
		level := flagLogLevel
		cli.LogLevel = &level
	}

	return cli
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedPath = path

	return nil
}

// parseLevel maps a config log level to slog. Unknown values fall back to
// info; Validate has already rejected them for loaded configs.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logLevel returns the effective level. Config provides the baseline;
// --verbose and --quiet override it because CLI flags always win.
func logLevel() slog.Level {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		level = parseLevel(resolvedCfg.Logging.LogLevel)
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return level
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newHandler picks the slog handler for the configured format. "auto"
// writes text to terminals and JSON everywhere else.
func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		if isTerminal(w) {
			return slog.NewTextHandler(w, opts)
		}

		return slog.NewJSONHandler(w, opts)
	}
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. When a log file is configured the returned closer must be
// called on exit; otherwise it is a no-op.
func buildLogger() (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
		format            = "auto"
	)

	if resolvedCfg != nil {
		format = resolvedCfg.Logging.LogFormat

		if path := resolvedCfg.Logging.LogFile; path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
			if err != nil {
				return nil, nil, fmt.Errorf("opening log file: %w", err)
			}

			out = f
			closeFn = func() { f.Close() }
		}
	}

	return slog.New(newHandler(out, format, logLevel())), closeFn, nil
}

// newTransport returns an HTTP transport whose dials and TLS handshakes are
// bounded by the configured connect timeout.
func newTransport(cfg *config.Config) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout()}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout()

	return transport
}

// defaultHTTPClient returns an HTTP client bounded by the configured
// connect and data timeouts, so hung connections cannot block commands.
func defaultHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.DataTimeout(), Transport: newTransport(cfg)}
}

// realtimeHTTPClient dials the websocket. It carries no overall timeout:
// the socket is long-lived and the heartbeat detects dead peers.
func realtimeHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Transport: newTransport(cfg)}
}

// newClient builds a backend client for the resolved project and returns
// the token source it authenticates with. A saved session is preferred;
// without one the anon key is used.
func newClient(cfg *config.Config, logger *slog.Logger) (*supabase.Client, supabase.TokenSource, error) {
	if err := cfg.RequireProject(); err != nil {
		return nil, nil, err
	}

	client := supabase.NewClient(
		cfg.Supabase.URL, cfg.Supabase.AnonKey, defaultHTTPClient(cfg), nil, logger, cfg.ClientOptions(),
	)

	ts, err := client.SessionTokenSource(cfg.SessionPath())
	switch {
	case errors.Is(err, supabase.ErrNoSession):
		logger.Debug("no saved session, using anon key")
		return client, supabase.AnonToken(cfg.Supabase.AnonKey), nil
	case err != nil:
		return nil, nil, err
	}

	return client.WithTokenSource(ts), ts, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
