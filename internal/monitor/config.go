package monitor

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// SystemActor is the audit actor for sweep mutations.
const SystemActor = "system:escalation-monitor"

// Config holds the sweep thresholds and schedule.
type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 15m" are accepted.
	Schedule string `yaml:"schedule"`
	// CriticalOverdueHours grades a breach CRITICAL at or past this many hours.
	CriticalOverdueHours int `yaml:"critical_overdue_hours"`
	// DormancyMonths is both the minimum age since launch and the trailing
	// window without metrics that marks a product dormant.
	DormancyMonths int `yaml:"dormancy_months"`
	// RunOnStart runs one sweep as soon as the scheduler starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns the standard sweep settings.
func DefaultConfig() Config {
	return Config{
		Schedule:             "@every 15m",
		CriticalOverdueHours: 48,
		DormancyMonths:       12,
		RunOnStart:           true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}
	if c.CriticalOverdueHours <= 0 {
		return fmt.Errorf("critical_overdue_hours must be positive")
	}
	if c.DormancyMonths <= 0 {
		return fmt.Errorf("dormancy_months must be positive")
	}
	return nil
}
