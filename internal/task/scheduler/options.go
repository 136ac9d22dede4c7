package scheduler

import (
	"fmt"
	"strings"
	"time"

	"pewtick/internal/eventbus"
	logx "pewtick/pkg/logx"
)

const (
	DefaultLockTimeout = 3 * time.Second
	DefaultHistorySize = 200
	DefaultWarnEvery   = 5 * time.Second
)

// Policy selects how drained tasks are executed within one check cycle.
type Policy int32

const (
	// PolicyConcurrent launches every drained task at once, waits for all,
	// then reschedules them together.
	PolicyConcurrent Policy = iota
	// PolicySerialized runs drained tasks one at a time in (due time, id)
	// order, rescheduling each before the next starts.
	PolicySerialized
)

func (p Policy) String() string {
	switch p {
	case PolicyConcurrent:
		return "concurrent"
	case PolicySerialized:
		return "serialized"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a Policy. Empty means concurrent.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concurrent", "parallel":
		return PolicyConcurrent, nil
	case "serialized", "serial", "sequential":
		return PolicySerialized, nil
	default:
		return PolicyConcurrent, fmt.Errorf("unknown execution policy %q (use concurrent or serialized)", s)
	}
}

type Option func(*Scheduler)

// WithLockTimeout bounds every wait on the pending index lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTimeout.Store(int64(d))
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy.Store(int32(p)) }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithEventBus publishes task lifecycle events on bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithHistorySize caps the in-memory run history. 0 keeps the default.
func WithHistorySize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithWarnEvery throttles repeated lock-timeout warnings; repeats inside the
// window are logged at debug level.
func WithWarnEvery(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.warnEvery = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}
