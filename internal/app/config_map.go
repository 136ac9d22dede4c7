package app

import (
	"fmt"
	"strings"
	"time"

	"pewtick/internal/config"
	"pewtick/internal/storage"
	"pewtick/internal/task/scheduler"
	logx "pewtick/pkg/logx"
)

const (
	defaultHeartbeatEvery = time.Minute
	defaultPruneEvery     = time.Hour
	defaultBusyTimeout    = time.Second
)

// schedulerSettings is the resolved form of config.SchedulerConfig.
type schedulerSettings struct {
	CheckInterval time.Duration
	LockTimeout   time.Duration
	Policy        scheduler.Policy
	HistorySize   int
	WarnEvery     time.Duration
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	var (
		out schedulerSettings
		err error
	)
	if out.CheckInterval, err = config.ParseDurationOrDefault("scheduler.check_interval", sc.CheckInterval, config.DefaultCheckInterval); err != nil {
		return out, err
	}
	if out.LockTimeout, err = config.ParseDurationOrDefault("scheduler.lock_timeout", sc.LockTimeout, scheduler.DefaultLockTimeout); err != nil {
		return out, err
	}
	if out.WarnEvery, err = config.ParseDurationOrDefault("scheduler.warn_every", sc.WarnEvery, scheduler.DefaultWarnEvery); err != nil {
		return out, err
	}
	if out.Policy, err = scheduler.ParsePolicy(sc.Policy); err != nil {
		return out, fmt.Errorf("scheduler.policy: %w", err)
	}
	out.HistorySize = sc.HistorySize
	if out.HistorySize <= 0 {
		out.HistorySize = scheduler.DefaultHistorySize
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false when the journal is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./pewtick_journal"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	if cfg == nil || cfg.Storage == nil {
		return config.DefaultRetention, nil
	}
	return config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, config.DefaultRetention)
}

// builtinInterval parses tasks.<name>.every with the scheduler's interval
// grammar, falling back to def when unset.
func builtinInterval(name string, tc config.TaskConfig, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(tc.Every) == "" {
		return def, nil
	}
	p, err := scheduler.ParseInterval(tc.Every)
	if err != nil {
		return 0, fmt.Errorf("tasks.%s.every: %w", name, err)
	}
	return p.Every, nil
}

// validateConfig checks everything the app maps, so a hot reload that
// would fail to apply is rejected before it is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetention(cfg); err != nil {
		return err
	}
	if _, err := builtinInterval(taskHeartbeat, cfg.Tasks.Heartbeat, defaultHeartbeatEvery); err != nil {
		return err
	}
	if _, err := builtinInterval(taskJournalPrune, cfg.Tasks.JournalPrune, defaultPruneEvery); err != nil {
		return err
	}
	return nil
}
