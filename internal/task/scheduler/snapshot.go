package scheduler

import (
	"context"
	"time"
)

// HistoryItem records one finished dispatch.
type HistoryItem struct {
	ID            string
	Name          string
	Due           time.Time
	Started       time.Time
	Duration      time.Duration
	Outcome       Outcome
	Error         string
	ScheduleDelay int
}

func (h HistoryItem) event() TaskEvent {
	return TaskEvent{
		ID:            h.ID,
		Name:          h.Name,
		Due:           h.Due,
		Started:       h.Started,
		Duration:      h.Duration,
		Outcome:       h.Outcome.String(),
		Error:         h.Error,
		ScheduleDelay: h.ScheduleDelay,
	}
}

// TaskEvent is the payload of task.started and task.finished events.
type TaskEvent struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Due           time.Time     `json:"due"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Outcome       string        `json:"outcome,omitempty"`
	Error         string        `json:"error,omitempty"`
	ScheduleDelay int           `json:"schedule_delay,omitempty"`
}

// CycleEvent is the payload of cycle.aborted events.
type CycleEvent struct {
	Started time.Time `json:"started"`
	Error   string    `json:"error,omitempty"`
}

// PendingInfo is one pending index entry, in index order.
type PendingInfo struct {
	ID       string
	Name     string
	Due      time.Time
	Interval time.Duration
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Policy      Policy
	LockTimeout time.Duration

	Tasks       int
	Pending     int
	Deferred    int
	Executed    uint64
	Cycles      uint64
	Aborted     uint64
	InFlight    bool
	HistorySize int

	// Queue is nil when the index lock could not be taken in time.
	Queue   []PendingInfo
	History []HistoryItem
}

func (s *Scheduler) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.historySize; n > 0 && len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

// History returns the most recent dispatches, oldest first.
func (s *Scheduler) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot collects counters, history and, if the index lock is available
// within the lock timeout, the pending queue in order.
func (s *Scheduler) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Policy:      s.Policy(),
		LockTimeout: s.LockTimeout(),
		Tasks:       s.TasksCount(),
		Pending:     s.ScheduledTaskCount(),
		Deferred:    s.DeferredCount(),
		Executed:    s.ExecutedTaskCount(),
		Cycles:      s.cycles.Load(),
		Aborted:     s.aborted.Load(),
		InFlight:    s.IsCycleRunning(),
		HistorySize: s.historySize,
		History:     s.History(),
	}
	if err := s.acquire(ctx); err != nil {
		return snap
	}
	tasks := s.idx.Tasks()
	s.release()

	snap.Queue = make([]PendingInfo, 0, len(tasks))
	for _, t := range tasks {
		snap.Queue = append(snap.Queue, PendingInfo{
			ID:       t.id.String(),
			Name:     t.name,
			Due:      t.DueTime(),
			Interval: t.Interval(),
		})
	}
	return snap
}
