package config

import (
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
	"github.com/crewplan/crewplan-sync/internal/supabase"
)

// duration parses a validated duration string. Invalid input yields 0;
// Validate rejects it before any caller gets here.
func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// TableNames maps each kind to its configured backend table.
func (c *Config) TableNames() map[entity.Kind]string {
	return map[entity.Kind]string{
		entity.KindStatus:        c.Tables.Statuses,
		entity.KindEmployee:      c.Tables.Employees,
		entity.KindScheduleEntry: c.Tables.ScheduleEntries,
	}
}

// Reconcile converts the timing sections into orchestrator tunables.
func (c *Config) Reconcile() reconcile.Config {
	rc := reconcile.DefaultConfig()

	rc.Windows = map[entity.Kind]time.Duration{
		entity.KindStatus:        duration(c.Debounce.Windows.Statuses),
		entity.KindEmployee:      duration(c.Debounce.Windows.Employees),
		entity.KindScheduleEntry: duration(c.Debounce.Windows.ScheduleEntries),
	}
	rc.Delay = duration(c.Debounce.Delay)
	rc.Cooldown = duration(c.Debounce.Cooldown)
	rc.StuckTimeout = duration(c.Debounce.StuckTimeout)
	rc.Edit = reconcile.EditTiming{
		SettleDelay:      duration(c.Edit.SettleDelay),
		PropagationDelay: duration(c.Edit.PropagationDelay),
	}
	rc.ReconnectDelay = duration(c.Realtime.ReconnectDelay)
	rc.MaxReconnectAttempts = c.Realtime.MaxReconnectAttempts
	rc.Retry = reconcile.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     duration(c.Retry.Backoff),
	}

	return rc
}

// ClientOptions converts the backend sections into REST client options.
func (c *Config) ClientOptions() supabase.ClientOptions {
	return supabase.ClientOptions{
		UserAgent:         c.Network.UserAgent,
		Schema:            c.Supabase.Schema,
		Tables:            c.TableNames(),
		RequestsPerSecond: c.Supabase.RequestsPerSecond,
	}
}

// RealtimeOptions converts the realtime section into transport options.
func (c *Config) RealtimeOptions() supabase.RealtimeOptions {
	return supabase.RealtimeOptions{
		Schema:      c.Supabase.Schema,
		Tables:      c.TableNames(),
		Heartbeat:   duration(c.Realtime.Heartbeat),
		JoinTimeout: duration(c.Realtime.JoinTimeout),
	}
}

// ProbeTimeout is the per-probe connectivity timeout.
func (c *Config) ProbeTimeout() time.Duration { return duration(c.Health.ProbeTimeout) }

// CheckInterval is the period of background connectivity checks; 0
// disables them.
func (c *Config) CheckInterval() time.Duration { return duration(c.Health.CheckInterval) }

// ConnectTimeout is the dial timeout for HTTP and websocket connections.
func (c *Config) ConnectTimeout() time.Duration { return duration(c.Network.ConnectTimeout) }

// DataTimeout bounds a whole HTTP request.
func (c *Config) DataTimeout() time.Duration { return duration(c.Network.DataTimeout) }
