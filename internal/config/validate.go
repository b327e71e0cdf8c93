package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minHeartbeat      = 1 * time.Second
	minJoinTimeout    = 1 * time.Second
	minStuckTimeout   = 1 * time.Second
	minProbeTimeout   = 100 * time.Millisecond
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
	minRetryAttempts  = 1
	maxRetryAttempts  = 10
	maxReconnects     = 100
)

// ErrNoProject is returned by RequireProject when the backend URL or anon
// key is missing.
var ErrNoProject = errors.New("supabase project not configured: set supabase.url and supabase.anon_key " +
	"or " + EnvURL + " and " + EnvAnonKey)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSupabase(&cfg.Supabase)...)
	errs = append(errs, validateTables(&cfg.Tables)...)
	errs = append(errs, validateRealtime(&cfg.Realtime)...)
	errs = append(errs, validateDebounce(&cfg.Debounce)...)
	errs = append(errs, validateEdit(&cfg.Edit)...)
	errs = append(errs, validateHealth(&cfg.Health)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// RequireProject reports ErrNoProject unless the backend is configured.
// Commands that talk to the backend call it after Resolve.
func (c *Config) RequireProject() error {
	if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
		return ErrNoProject
	}

	return nil
}

func validateSupabase(s *SupabaseConfig) []error {
	var errs []error

	if s.URL != "" {
		u, err := url.Parse(s.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("supabase.url: %w", err))
		case u.Scheme != "https" && u.Scheme != "http":
			errs = append(errs, fmt.Errorf("supabase.url: scheme must be https or http, got %q", s.URL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("supabase.url: missing host in %q", s.URL))
		}
	}

	if s.Schema == "" {
		errs = append(errs, errors.New("supabase.schema: must not be empty"))
	}

	if s.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("supabase.requests_per_second: must be >= 0, got %g", s.RequestsPerSecond))
	}

	return errs
}

func validateTables(t *TablesConfig) []error {
	var errs []error

	seen := make(map[string]string)

	for _, f := range []struct{ key, name string }{
		{"statuses", t.Statuses},
		{"employees", t.Employees},
		{"schedule_entries", t.ScheduleEntries},
	} {
		if f.name == "" {
			errs = append(errs, fmt.Errorf("tables.%s: must not be empty", f.key))
			continue
		}

		if other, dup := seen[f.name]; dup {
			errs = append(errs, fmt.Errorf("tables.%s: table %q already used by tables.%s", f.key, f.name, other))
		}

		seen[f.name] = f.key
	}

	return errs
}

func validateRealtime(r *RealtimeConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("realtime.heartbeat", r.Heartbeat, minHeartbeat)...)
	errs = append(errs, validateDurationMin("realtime.join_timeout", r.JoinTimeout, minJoinTimeout)...)
	errs = append(errs, validateDurationNonNeg("realtime.reconnect_delay", r.ReconnectDelay)...)

	if r.MaxReconnectAttempts < 0 || r.MaxReconnectAttempts > maxReconnects {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts: must be between 0 and %d, got %d",
			maxReconnects, r.MaxReconnectAttempts))
	}

	return errs
}

func validateDebounce(d *DebounceConfig) []error {
	var errs []error

	errs = append(errs, validateDurationNonNeg("debounce.delay", d.Delay)...)
	errs = append(errs, validateDurationNonNeg("debounce.cooldown", d.Cooldown)...)
	errs = append(errs, validateDurationMin("debounce.stuck_timeout", d.StuckTimeout, minStuckTimeout)...)
	errs = append(errs, validateDurationNonNeg("debounce.windows.statuses", d.Windows.Statuses)...)
	errs = append(errs, validateDurationNonNeg("debounce.windows.employees", d.Windows.Employees)...)
	errs = append(errs, validateDurationNonNeg("debounce.windows.schedule_entries", d.Windows.ScheduleEntries)...)

	return errs
}

func validateEdit(e *EditConfig) []error {
	var errs []error

	errs = append(errs, validateDurationNonNeg("edit.settle_delay", e.SettleDelay)...)
	errs = append(errs, validateDurationNonNeg("edit.propagation_delay", e.PropagationDelay)...)

	return errs
}

func validateHealth(h *HealthConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("health.probe_timeout", h.ProbeTimeout, minProbeTimeout)...)
	errs = append(errs, validateDurationNonNeg("health.check_interval", h.CheckInterval)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxAttempts < minRetryAttempts || r.MaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between %d and %d, got %d",
			minRetryAttempts, maxRetryAttempts, r.MaxAttempts))
	}

	errs = append(errs, validateDurationNonNeg("retry.backoff", r.Backoff)...)

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}
