package enforcement

import "time"

// Config controls cycle batch sizes and the job-run guard. The cycle
// interval itself lives in the hot-reloadable enforcement policy.
type Config struct {
	BatchSize         int
	StageTimeout      time.Duration
	RecoveryThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         200,
		StageTimeout:      30 * time.Second,
		RecoveryThreshold: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaults.StageTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}
