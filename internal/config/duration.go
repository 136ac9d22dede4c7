package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the fields that can be checked without knowing the
// scheduler's grammar (durations, storage driver). Callers layer their own
// checks on top via ConfigManager.SetValidator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("scheduler.check_interval", cfg.Scheduler.CheckInterval)
	check("scheduler.lock_timeout", cfg.Scheduler.LockTimeout)
	check("scheduler.warn_every", cfg.Scheduler.WarnEvery)
	if cfg.Scheduler.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}
	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		check("storage.busy_timeout", st.BusyTimeout)
		check("storage.retention", st.Retention)
	}
	return errors.Join(errs...)
}
