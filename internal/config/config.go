// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for crewplan-sync. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags) and hot reload of the timing sections.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings and parsed during validation and
// conversion, so error messages can quote what the user wrote.
type Config struct {
	Supabase SupabaseConfig `toml:"supabase"`
	Tables   TablesConfig   `toml:"tables"`
	Realtime RealtimeConfig `toml:"realtime"`
	Debounce DebounceConfig `toml:"debounce"`
	Edit     EditConfig     `toml:"edit"`
	Health   HealthConfig   `toml:"health"`
	Retry    RetryConfig    `toml:"retry"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
	Network  NetworkConfig  `toml:"network"`
}

// SupabaseConfig identifies the backend project. The anon key is public by
// design of the platform; user credentials never live in the file.
type SupabaseConfig struct {
	URL               string  `toml:"url"`
	AnonKey           string  `toml:"anon_key"`
	Schema            string  `toml:"schema"`
	Email             string  `toml:"email"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TablesConfig maps each watched kind to its backend table.
type TablesConfig struct {
	Statuses        string `toml:"statuses"`
	Employees       string `toml:"employees"`
	ScheduleEntries string `toml:"schedule_entries"`
}

// RealtimeConfig controls the change-notification socket and resubscribe
// policy.
type RealtimeConfig struct {
	Heartbeat            string `toml:"heartbeat"`
	JoinTimeout          string `toml:"join_timeout"`
	ReconnectDelay       string `toml:"reconnect_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// DebounceConfig holds the gate timing. Windows are per kind.
type DebounceConfig struct {
	Delay        string        `toml:"delay"`
	Cooldown     string        `toml:"cooldown"`
	StuckTimeout string        `toml:"stuck_timeout"`
	Windows      WindowsConfig `toml:"windows"`
}

// WindowsConfig is the minimum spacing between refreshes of each kind.
type WindowsConfig struct {
	Statuses        string `toml:"statuses"`
	Employees       string `toml:"employees"`
	ScheduleEntries string `toml:"schedule_entries"`
}

// EditConfig holds the edit-mode delays.
type EditConfig struct {
	SettleDelay      string `toml:"settle_delay"`
	PropagationDelay string `toml:"propagation_delay"`
}

// HealthConfig controls connectivity probing.
type HealthConfig struct {
	ProbeTimeout  string `toml:"probe_timeout"`
	CheckInterval string `toml:"check_interval"`
}

// RetryConfig bounds the initial load of each kind.
type RetryConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	Backoff     string `toml:"backoff"`
}

// StorageConfig overrides where local state lives. Empty values use the
// platform defaults.
type StorageConfig struct {
	SnapshotDB  string `toml:"snapshot_db"`
	SessionFile string `toml:"session_file"`
	PIDFile     string `toml:"pid_file"`
}

// LoggingConfig controls log output behavior: level, format, and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	URL        *string // --url flag
	LogLevel   *string // --log-level flag
}
