package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidateConfig validates a configuration after defaults have been applied.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries cannot be negative: %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.RetryBackoff != "" && NormalizeRetryBackoff(string(cfg.Queue.RetryBackoff)) == "" {
		return fmt.Errorf("invalid queue.retry_backoff: %s (valid: fixed, linear, exponential)", cfg.Queue.RetryBackoff)
	}
	if cfg.Compiler.Command == "" {
		return errors.New("compiler.command is required")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	fields := []struct {
		name  string
		value string
	}{
		{"cache.max_age", cfg.Cache.MaxAge},
		{"cache.sweep_interval", cfg.Cache.SweepInterval},
		{"queue.retry_delay", cfg.Queue.RetryDelay},
		{"queue.retry_max_delay", cfg.Queue.RetryMaxDelay},
		{"queue.pump_interval", cfg.Queue.PumpInterval},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("invalid %s duration %q: %w", f.name, f.value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %s", f.name, f.value)
		}
	}
	return nil
}
