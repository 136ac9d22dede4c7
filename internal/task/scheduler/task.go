package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outcome is what a work function reports back after a dispatch.
//
// The engine records it (history, events) but does not alter scheduling
// based on it: every dispatched task is rescheduled at its normal interval.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeNotRunMissingResources
	OutcomeNotRunNoData
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotRunMissingResources:
		return "not_run_missing_resources"
	case OutcomeNotRunNoData:
		return "not_run_no_data"
	default:
		return "unknown"
	}
}

// Worker is the capability a scheduled task runs on every dispatch.
type Worker interface {
	Work(ctx context.Context, t *ScheduledTask) Outcome
}

// WorkFunc adapts a plain function to Worker.
type WorkFunc func(ctx context.Context, t *ScheduledTask) Outcome

func (f WorkFunc) Work(ctx context.Context, t *ScheduledTask) Outcome { return f(ctx, t) }

// StrategyKind selects how a task's due time is derived.
//
// Only StrategyElapsed has behavior. StrategyDaysOfWeek is reserved and
// rejected by NewTaskWithStrategy.
type StrategyKind int

const (
	StrategyElapsed StrategyKind = iota
	StrategyDaysOfWeek
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyElapsed:
		return "elapsed"
	case StrategyDaysOfWeek:
		return "days_of_week"
	default:
		return "unknown"
	}
}

// ScheduledTask describes one recurring job.
//
// ID and Name are immutable. Every other field is guarded by the task's own
// mutex and read through accessors, since the work function may run on
// another goroutine while the caller inspects the task.
type ScheduledTask struct {
	id       uuid.UUID
	name     string
	strategy StrategyKind
	worker   Worker

	mu            sync.Mutex
	interval      time.Duration
	dueTime       time.Time
	isScheduled   bool
	lastRan       time.Time
	lastOutcome   Outcome
	scheduleDelay int

	// retired is set once the task left the registry; a retired task is
	// never reinserted into the pending index.
	retired atomic.Bool
}

// NewTask creates an interval-based task due at now+interval.
func NewTask(name string, interval time.Duration, work Worker) (*ScheduledTask, error) {
	return newTask(name, StrategyElapsed, interval, work, time.Now())
}

// NewTaskWithStrategy creates a task for the given scheduling strategy.
// Strategies other than StrategyElapsed return ErrUnsupportedStrategy.
func NewTaskWithStrategy(name string, kind StrategyKind, interval time.Duration, work Worker) (*ScheduledTask, error) {
	if kind != StrategyElapsed {
		return nil, ErrUnsupportedStrategy
	}
	return newTask(name, kind, interval, work, time.Now())
}

func newTask(name string, kind StrategyKind, interval time.Duration, work Worker, now time.Time) (*ScheduledTask, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if work == nil {
		return nil, ErrWorkRequired
	}
	if f, ok := work.(WorkFunc); ok && f == nil {
		return nil, ErrWorkRequired
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &ScheduledTask{
		id:       id,
		name:     name,
		strategy: kind,
		worker:   work,
		interval: interval,
		dueTime:  now.Add(interval),
	}, nil
}

func (t *ScheduledTask) ID() uuid.UUID          { return t.id }
func (t *ScheduledTask) Name() string           { return t.name }
func (t *ScheduledTask) Strategy() StrategyKind { return t.strategy }

func (t *ScheduledTask) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the interval. The current due time is kept; the new
// interval applies from the next recompute.
func (t *ScheduledTask) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
	return nil
}

func (t *ScheduledTask) DueTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dueTime
}

func (t *ScheduledTask) IsScheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isScheduled
}

// LastRan returns when the task was last handed to its work function,
// whatever the outcome. It is zero if the task never ran.
func (t *ScheduledTask) LastRan() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRan
}

func (t *ScheduledTask) LastOutcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOutcome
}

// ScheduleDelay returns the backoff hint last set by the work function.
func (t *ScheduledTask) ScheduleDelay() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduleDelay
}

// SetScheduleDelay lets a work function record a backoff hint.
// The scheduler reports it but does not act on it.
func (t *ScheduledTask) SetScheduleDelay(v int) {
	t.mu.Lock()
	t.scheduleDelay = v
	t.mu.Unlock()
}

// RecomputeDueTime sets the due time to now+interval and marks the task as
// not yet published to the pending index.
func (t *ScheduledTask) RecomputeDueTime(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dueTime = now.Add(t.interval)
	t.isScheduled = false
	return t.dueTime
}

func (t *ScheduledTask) markScheduled() {
	t.mu.Lock()
	t.isScheduled = true
	t.mu.Unlock()
}

func (t *ScheduledTask) markUnscheduled() {
	t.mu.Lock()
	t.isScheduled = false
	t.mu.Unlock()
}

func (t *ScheduledTask) noteRan(at time.Time) {
	t.mu.Lock()
	t.lastRan = at
	t.mu.Unlock()
}

func (t *ScheduledTask) noteOutcome(o Outcome) {
	t.mu.Lock()
	t.lastOutcome = o
	t.mu.Unlock()
}
