// Package config centralizes FlowCore's configuration surface: exactly the
// fields enumerated in the specification, nothing more.
package config

import (
	"fmt"
	"time"

	"flowcore/errs"
)

const (
	DefaultSegmentMaxBytes      = 64 * 1024 * 1024
	DefaultLeaseDuration        = 30 * time.Second
	DefaultWorkerTimeout        = 60 * time.Second
	DefaultWorkerPollInterval   = 1 * time.Second
	DefaultStepExecutionTimeout = 30 * time.Second
)

// Config is the full, enumerated configuration surface of the engine.
type Config struct {
	DataDir              string
	SegmentMaxBytes       int64
	FsyncOnWrite          bool
	LeaseDuration         time.Duration
	WorkerTimeout         time.Duration
	WorkerPollInterval    time.Duration
	StepExecutionTimeout  time.Duration
}

// Default returns a Config with every field set to its documented default
// except DataDir, which the caller must supply.
func Default(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		SegmentMaxBytes:      DefaultSegmentMaxBytes,
		FsyncOnWrite:         true,
		LeaseDuration:        DefaultLeaseDuration,
		WorkerTimeout:        DefaultWorkerTimeout,
		WorkerPollInterval:   DefaultWorkerPollInterval,
		StepExecutionTimeout: DefaultStepExecutionTimeout,
	}
}

// Validate fails fast on a configuration that cannot produce a durable,
// schedulable engine.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty: %w", errs.ErrInvalidConfig)
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("config: segment_max_bytes must be positive: %w", errs.ErrInvalidConfig)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("config: lease_duration_ms must be positive: %w", errs.ErrInvalidConfig)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("config: worker_timeout_ms must be positive: %w", errs.ErrInvalidConfig)
	}
	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("config: worker_poll_interval_ms must be positive: %w", errs.ErrInvalidConfig)
	}
	if c.StepExecutionTimeout <= 0 {
		return fmt.Errorf("config: step_execution_timeout_ms must be positive: %w", errs.ErrInvalidConfig)
	}
	return nil
}
