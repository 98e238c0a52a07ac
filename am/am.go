// Package am loads and validates testpulse configuration.
package am

// Config represents the core testpulse configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse" yaml:"pulse" json:"pulse"`
	Gate     GateConfig     `mapstructure:"gate" toml:"gate" yaml:"gate" json:"gate"`
	Runner   RunnerConfig   `mapstructure:"runner" toml:"runner" yaml:"runner" json:"runner"`
	Notify   NotifyConfig   `mapstructure:"notify" toml:"notify" yaml:"notify" json:"notify"`
	Metrics  MetricsConfig  `mapstructure:"metrics" toml:"metrics" yaml:"metrics" json:"metrics"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// PulseConfig configures the recurrence ticker and the async execution pool
type PulseConfig struct {
	// Worker concurrency configuration
	Workers       int `mapstructure:"workers" toml:"workers" yaml:"workers" json:"workers"`                      // Concurrent execution workers (default: 5)
	QueueCapacity int `mapstructure:"queue_capacity" toml:"queue_capacity" yaml:"queue_capacity" json:"queue_capacity"` // Max queued tasks before dispatch is rejected

	// Ticker configuration for scheduled test execution
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds" yaml:"ticker_interval_seconds" json:"ticker_interval_seconds"` // How often due schedules are polled (default: 1)
	Timezone              string `mapstructure:"timezone" toml:"timezone" yaml:"timezone" json:"timezone"`                                                       // IANA zone every recurrence is evaluated in (default: UTC)

	// Execution limits
	DefaultTimeoutSeconds int     `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds" yaml:"default_timeout_seconds" json:"default_timeout_seconds"` // Hard wall-clock limit per test (default: 300)
	SoftTimeoutSeconds    int     `mapstructure:"soft_timeout_seconds" toml:"soft_timeout_seconds" yaml:"soft_timeout_seconds" json:"soft_timeout_seconds"`             // Runner gets a graceful interrupt at this point (0 = none)
	MaxStartsPerSecond    float64 `mapstructure:"max_starts_per_second" toml:"max_starts_per_second" yaml:"max_starts_per_second" json:"max_starts_per_second"`         // 0 = unlimited

	// Terminal tasks older than this are removed by the daemon (0 = keep forever)
	TaskRetentionHours int `mapstructure:"task_retention_hours" toml:"task_retention_hours" yaml:"task_retention_hours" json:"task_retention_hours"`
}

// GateConfig configures condition evaluation
type GateConfig struct {
	DefaultRecentCount int `mapstructure:"default_recent_count" toml:"default_recent_count" yaml:"default_recent_count" json:"default_recent_count"` // min_pass_rate window when the condition omits it (default: 10)
}

// RunnerConfig configures how test cases map to executable scripts
type RunnerConfig struct {
	Manifest string `mapstructure:"manifest" toml:"manifest" yaml:"manifest" json:"manifest"` // YAML or TOML test case manifest
	Workdir  string `mapstructure:"workdir" toml:"workdir" yaml:"workdir" json:"workdir"`    // Working directory scripts run in
	Shell    string `mapstructure:"shell" toml:"shell" yaml:"shell" json:"shell"`          // Shell used for "shell" kind scripts
}

// NotifyConfig configures result notifications
type NotifyConfig struct {
	LogResults bool `mapstructure:"log_results" toml:"log_results" yaml:"log_results" json:"log_results"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address" toml:"address" yaml:"address" json:"address"` // e.g. ":9464"; empty disables the endpoint
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
