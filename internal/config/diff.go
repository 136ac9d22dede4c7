package config

import (
	"sort"
	"strings"

	logx "pewtick/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and
// structured fields describing the new values, safe to log.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	schedChanged := !trimEq(o.CheckInterval, n.CheckInterval) || !trimEq(o.LockTimeout, n.LockTimeout) ||
		!strings.EqualFold(strings.TrimSpace(o.Policy), strings.TrimSpace(n.Policy)) ||
		o.HistorySize != n.HistorySize || !trimEq(o.WarnEvery, n.WarnEvery)
	if schedChanged {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.check_interval", strings.TrimSpace(n.CheckInterval)),
			logx.String("scheduler.lock_timeout", strings.TrimSpace(n.LockTimeout)),
			logx.String("scheduler.policy", strings.TrimSpace(n.Policy)),
			logx.Int("scheduler.history_size", n.HistorySize),
		)
	}

	if oldCfg.Tasks != newCfg.Tasks {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Bool("tasks.heartbeat", newCfg.Tasks.Heartbeat.Enabled),
			logx.String("tasks.heartbeat_every", strings.TrimSpace(newCfg.Tasks.Heartbeat.Every)),
			logx.Bool("tasks.journal_prune", newCfg.Tasks.JournalPrune.Enabled),
			logx.String("tasks.journal_prune_every", strings.TrimSpace(newCfg.Tasks.JournalPrune.Every)),
		)
	}

	// Nil means disabled. Only whether a path is set is logged.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if !trimEq(oldS.Driver, newS.Driver) || !trimEq(oldS.BusyTimeout, newS.BusyTimeout) ||
		!trimEq(oldS.Retention, newS.Retention) || !trimEq(oldS.Path, newS.Path) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(newS.Retention)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func trimEq(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }
