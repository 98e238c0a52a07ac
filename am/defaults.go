package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and callers that bypass viper (tests, embedders)
const (
	DefaultDatabasePath          = "testpulse.db"
	DefaultWorkers               = 5
	DefaultQueueCapacity         = 10000
	DefaultTickerIntervalSeconds = 1
	DefaultTimezone              = "UTC"
	DefaultTimeoutSeconds        = 300
	DefaultSoftTimeoutSeconds    = 270
	DefaultRecentCount           = 10
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	// Pulse (ticker + execution pool)
	v.SetDefault("pulse.workers", DefaultWorkers)
	v.SetDefault("pulse.queue_capacity", DefaultQueueCapacity)
	v.SetDefault("pulse.ticker_interval_seconds", DefaultTickerIntervalSeconds)
	v.SetDefault("pulse.timezone", DefaultTimezone)
	v.SetDefault("pulse.default_timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("pulse.soft_timeout_seconds", DefaultSoftTimeoutSeconds)
	v.SetDefault("pulse.max_starts_per_second", 0.0)
	v.SetDefault("pulse.task_retention_hours", 24*7)

	v.SetDefault("gate.default_recent_count", DefaultRecentCount)

	v.SetDefault("runner.manifest", "testcases.yaml")
	v.SetDefault("runner.workdir", ".")
	v.SetDefault("runner.shell", "sh")

	v.SetDefault("notify.log_results", true)

	v.SetDefault("metrics.address", "")
}

// Default returns a Config populated with defaults only
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Pulse: PulseConfig{
			Workers:               DefaultWorkers,
			QueueCapacity:         DefaultQueueCapacity,
			TickerIntervalSeconds: DefaultTickerIntervalSeconds,
			Timezone:              DefaultTimezone,
			DefaultTimeoutSeconds: DefaultTimeoutSeconds,
			SoftTimeoutSeconds:    DefaultSoftTimeoutSeconds,
			TaskRetentionHours:    24 * 7,
		},
		Gate:   GateConfig{DefaultRecentCount: DefaultRecentCount},
		Runner: RunnerConfig{Manifest: "testcases.yaml", Workdir: ".", Shell: "sh"},
		Notify: NotifyConfig{LogResults: true},
	}
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, Timezone: %s, Timeout: %ds}}",
		c.Database.Path, c.Pulse.Workers, c.Pulse.Timezone, c.Pulse.DefaultTimeoutSeconds)
}
