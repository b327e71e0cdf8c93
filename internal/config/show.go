package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. The anon
// key is masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[supabase]\n")
	ew.printf("  url                 = %q\n", cfg.Supabase.URL)
	ew.printf("  anon_key            = %q\n", maskSecret(cfg.Supabase.AnonKey))
	ew.printf("  schema              = %q\n", cfg.Supabase.Schema)
	ew.printf("  email               = %q\n", cfg.Supabase.Email)
	ew.printf("  requests_per_second = %g\n\n", cfg.Supabase.RequestsPerSecond)

	ew.printf("[tables]\n")
	ew.printf("  statuses         = %q\n", cfg.Tables.Statuses)
	ew.printf("  employees        = %q\n", cfg.Tables.Employees)
	ew.printf("  schedule_entries = %q\n\n", cfg.Tables.ScheduleEntries)

	ew.printf("[realtime]\n")
	ew.printf("  heartbeat              = %q\n", cfg.Realtime.Heartbeat)
	ew.printf("  join_timeout           = %q\n", cfg.Realtime.JoinTimeout)
	ew.printf("  reconnect_delay        = %q\n", cfg.Realtime.ReconnectDelay)
	ew.printf("  max_reconnect_attempts = %d\n\n", cfg.Realtime.MaxReconnectAttempts)

	ew.printf("[debounce]\n")
	ew.printf("  delay         = %q\n", cfg.Debounce.Delay)
	ew.printf("  cooldown      = %q\n", cfg.Debounce.Cooldown)
	ew.printf("  stuck_timeout = %q\n\n", cfg.Debounce.StuckTimeout)

	ew.printf("[debounce.windows]\n")
	ew.printf("  statuses         = %q\n", cfg.Debounce.Windows.Statuses)
	ew.printf("  employees        = %q\n", cfg.Debounce.Windows.Employees)
	ew.printf("  schedule_entries = %q\n\n", cfg.Debounce.Windows.ScheduleEntries)

	ew.printf("[edit]\n")
	ew.printf("  settle_delay      = %q\n", cfg.Edit.SettleDelay)
	ew.printf("  propagation_delay = %q\n\n", cfg.Edit.PropagationDelay)

	ew.printf("[health]\n")
	ew.printf("  probe_timeout  = %q\n", cfg.Health.ProbeTimeout)
	ew.printf("  check_interval = %q\n\n", cfg.Health.CheckInterval)

	ew.printf("[retry]\n")
	ew.printf("  max_attempts = %d\n", cfg.Retry.MaxAttempts)
	ew.printf("  backoff      = %q\n\n", cfg.Retry.Backoff)

	ew.printf("[storage]\n")
	ew.printf("  snapshot_db  = %q\n", cfg.SnapshotPath())
	ew.printf("  session_file = %q\n", cfg.SessionPath())
	ew.printf("  pid_file     = %q\n\n", cfg.PIDPath())

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_file   = %q\n", cfg.Logging.LogFile)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", cfg.Network.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", cfg.Network.DataTimeout)
	ew.printf("  user_agent      = %q\n", cfg.Network.UserAgent)

	return ew.err
}

// maskSecret keeps the first and last four characters of long values.
func maskSecret(s string) string {
	const keep = 4
	if len(s) <= 2*keep {
		if s == "" {
			return ""
		}

		return "****"
	}

	return s[:keep] + "..." + s[len(s)-keep:]
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
