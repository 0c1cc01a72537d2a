package config

import (
	"errors"
	"testing"

	"flowcore/errs"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default("/tmp/flowcore-test").Validate(); err != nil {
		t.Fatalf("Default() must validate cleanly, got %v", err)
	}
}

func TestValidate_RejectsEachMissingField(t *testing.T) {
	base := Default("/tmp/flowcore-test")

	cases := []struct {
		name   string
		mutate func(c Config) Config
	}{
		{"empty data dir", func(c Config) Config { c.DataDir = ""; return c }},
		{"non-positive segment max bytes", func(c Config) Config { c.SegmentMaxBytes = 0; return c }},
		{"non-positive lease duration", func(c Config) Config { c.LeaseDuration = 0; return c }},
		{"non-positive worker timeout", func(c Config) Config { c.WorkerTimeout = 0; return c }},
		{"non-positive poll interval", func(c Config) Config { c.WorkerPollInterval = 0; return c }},
		{"non-positive step timeout", func(c Config) Config { c.StepExecutionTimeout = 0; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(base).Validate()
			if !errors.Is(err, errs.ErrInvalidConfig) {
				t.Fatalf("expected errs.ErrInvalidConfig, got %v", err)
			}
		})
	}
}
