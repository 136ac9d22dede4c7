package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished dispatch.
// Keep it compact and schema-stable.
type RunRecord struct {
	Started       time.Time `json:"started"`
	Due           time.Time `json:"due"`
	TaskID        string    `json:"task_id"`
	Task          string    `json:"task"`
	TookMS        int64     `json:"took_ms"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	ScheduleDelay int       `json:"schedule_delay,omitempty"`
}
