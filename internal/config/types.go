package config

import "time"

const (
	DefaultCheckInterval = time.Second
	DefaultRetention     = 7 * 24 * time.Hour
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     TasksConfig     `json:"tasks"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the check cycle driver and the scheduler engine.
//
// All durations are Go duration strings (e.g. "250ms", "3s").
//
// Defaults (when fields are omitted/zero):
//   - check_interval: "1s"
//   - lock_timeout: "3s"
//   - policy: "concurrent"
//   - history_size: 200
//   - warn_every: "5s"
//
// lock_timeout and policy are applied on reload without a restart.
type SchedulerConfig struct {
	CheckInterval string `json:"check_interval,omitempty"`
	LockTimeout   string `json:"lock_timeout,omitempty"`
	Policy        string `json:"policy,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	WarnEvery     string `json:"warn_every,omitempty"`
}

// TasksConfig toggles the built-in housekeeping tasks.
type TasksConfig struct {
	Heartbeat    TaskConfig `json:"heartbeat"`
	JournalPrune TaskConfig `json:"journal_prune"`
}

// TaskConfig is one built-in task. Every accepts a Go duration, HH:MM or
// "@every <duration>".
type TaskConfig struct {
	Enabled bool   `json:"enabled"`
	Every   string `json:"every,omitempty"`
}

// StorageConfig controls the optional run journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pewtick.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // Go duration string; default 168h
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when
// the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
