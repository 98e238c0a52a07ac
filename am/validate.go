package am

import (
	"github.com/teranos/testpulse/am/geotime"
	"github.com/teranos/testpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = no background workers (CLI-only use), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.NewValidationError("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}

	if c.Pulse.QueueCapacity < 0 {
		return errors.NewValidationError("pulse.queue_capacity must be >= 0, got %d", c.Pulse.QueueCapacity)
	}

	// Pulse ticker interval: 0 = no periodic ticking, negative = invalid
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.NewValidationError("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}

	if c.Pulse.Timezone != "" {
		if _, err := geotime.NormalizeTimezone(c.Pulse.Timezone); err != nil {
			return errors.Wrap(err, "pulse.timezone")
		}
	}

	if c.Pulse.DefaultTimeoutSeconds < 0 {
		return errors.NewValidationError("pulse.default_timeout_seconds must be >= 0, got %d", c.Pulse.DefaultTimeoutSeconds)
	}

	// A soft timeout past the hard limit would never fire
	if c.Pulse.SoftTimeoutSeconds < 0 {
		return errors.NewValidationError("pulse.soft_timeout_seconds must be >= 0, got %d", c.Pulse.SoftTimeoutSeconds)
	}
	if c.Pulse.SoftTimeoutSeconds > 0 && c.Pulse.DefaultTimeoutSeconds > 0 && c.Pulse.SoftTimeoutSeconds >= c.Pulse.DefaultTimeoutSeconds {
		return errors.NewValidationError("pulse.soft_timeout_seconds (%d) must be below pulse.default_timeout_seconds (%d)",
			c.Pulse.SoftTimeoutSeconds, c.Pulse.DefaultTimeoutSeconds)
	}

	if c.Pulse.MaxStartsPerSecond < 0 {
		return errors.NewValidationError("pulse.max_starts_per_second must be >= 0, got %f", c.Pulse.MaxStartsPerSecond)
	}

	if c.Pulse.TaskRetentionHours < 0 {
		return errors.NewValidationError("pulse.task_retention_hours must be >= 0, got %d", c.Pulse.TaskRetentionHours)
	}

	if c.Gate.DefaultRecentCount < 0 {
		return errors.NewValidationError("gate.default_recent_count must be >= 0, got %d", c.Gate.DefaultRecentCount)
	}

	return nil
}
