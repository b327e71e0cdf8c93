package config

// Default values for configuration options. These are "layer 0" of the
// override chain and match the reconciliation core's own defaults.
const (
	defaultSchema               = "public"
	defaultHeartbeat            = "25s"
	defaultJoinTimeout          = "10s"
	defaultReconnectDelay       = "5s"
	defaultMaxReconnectAttempts = 5
	defaultDelay                = "300ms"
	defaultCooldown             = "500ms"
	defaultStuckTimeout         = "10s"
	defaultStatusWindow         = "2s"
	defaultEmployeeWindow       = "3s"
	defaultScheduleWindow       = "1s"
	defaultSettleDelay          = "500ms"
	defaultPropagationDelay     = "500ms"
	defaultProbeTimeout         = "3s"
	defaultCheckInterval        = "30s"
	defaultRetryAttempts        = 3
	defaultRetryBackoff         = "1s"
	defaultLogLevel             = "info"
	defaultLogFormat            = "auto"
	defaultConnectTimeout       = "10s"
	defaultDataTimeout          = "60s"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Supabase: SupabaseConfig{Schema: defaultSchema},
		Tables: TablesConfig{
			Statuses:        "statuses",
			Employees:       "employees",
			ScheduleEntries: "schedule_entries",
		},
		Realtime: RealtimeConfig{
			Heartbeat:            defaultHeartbeat,
			JoinTimeout:          defaultJoinTimeout,
			ReconnectDelay:       defaultReconnectDelay,
			MaxReconnectAttempts: defaultMaxReconnectAttempts,
		},
		Debounce: DebounceConfig{
			Delay:        defaultDelay,
			Cooldown:     defaultCooldown,
			StuckTimeout: defaultStuckTimeout,
			Windows: WindowsConfig{
				Statuses:        defaultStatusWindow,
				Employees:       defaultEmployeeWindow,
				ScheduleEntries: defaultScheduleWindow,
			},
		},
		Edit: EditConfig{
			SettleDelay:      defaultSettleDelay,
			PropagationDelay: defaultPropagationDelay,
		},
		Health: HealthConfig{
			ProbeTimeout:  defaultProbeTimeout,
			CheckInterval: defaultCheckInterval,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultRetryAttempts,
			Backoff:     defaultRetryBackoff,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
