package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"pewtick/internal/eventbus"
	logx "pewtick/pkg/logx"
)

// CycleReport summarizes one RunCheckCycle call.
type CycleReport struct {
	Started  time.Time
	Duration time.Duration
	Policy   Policy

	// Skipped is set when another cycle was already in flight.
	Skipped bool
	// Aborted is set when the drain could not take the index lock in time.
	Aborted bool

	Dispatched int
	// Deferred counts reschedules that could not take the index lock; those
	// tasks are reinserted by the next successful lock holder.
	Deferred int
}

// RunCheckCycle drains every due task from the pending index, executes the
// drained tasks under the current policy and reschedules them.
//
// At most one cycle runs at a time; a call made while another cycle is in
// flight returns immediately with Skipped set. ctx is handed to work
// functions and bounds lock waits; it does not interrupt running work.
func (s *Scheduler) RunCheckCycle(ctx context.Context) CycleReport {
	if ctx == nil {
		ctx = context.Background()
	}
	rep := CycleReport{Started: s.now(), Policy: s.Policy()}
	if !s.running.CompareAndSwap(false, true) {
		rep.Skipped = true
		return rep
	}
	defer s.running.Store(false)
	s.cycles.Add(1)

	due, err := s.drain(ctx)
	if err != nil {
		rep.Aborted = true
		s.aborted.Add(1)
		s.warnLockTimeout("drain", err)
		s.publish(eventbus.CycleAborted, CycleEvent{Started: rep.Started, Error: err.Error()})
		rep.Duration = s.now().Sub(rep.Started)
		return rep
	}
	rep.Dispatched = len(due)
	if len(due) == 0 {
		rep.Duration = s.now().Sub(rep.Started)
		return rep
	}

	switch rep.Policy {
	case PolicySerialized:
		for _, t := range due {
			s.dispatch(ctx, t)
			if !s.reschedule(ctx, t) {
				rep.Deferred++
			}
		}
	default:
		var g errgroup.Group
		for _, t := range due {
			g.Go(func() error {
				s.dispatch(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
		for _, t := range due {
			if !s.reschedule(ctx, t) {
				rep.Deferred++
			}
		}
	}

	rep.Duration = s.now().Sub(rep.Started)
	s.log.Debug("check cycle done",
		logx.String("policy", rep.Policy.String()),
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("deferred", rep.Deferred),
		logx.Duration("took", rep.Duration),
	)
	return rep
}

// drain removes every task due at or before now from the index, in
// (due time, id) order.
func (s *Scheduler) drain(ctx context.Context) ([]*ScheduledTask, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	s.flushDeferredLocked()

	now := s.now()
	var due, stale []*ScheduledTask
	s.idx.Ascend(func(t *ScheduledTask, at time.Time) bool {
		// Sorted: nothing after the first future entry is due.
		if at.After(now) {
			return false
		}
		if t.retired.Load() {
			stale = append(stale, t)
			return true
		}
		due = append(due, t)
		return true
	})
	for _, t := range stale {
		s.idx.Remove(t)
	}
	for _, t := range due {
		s.idx.Remove(t)
		t.markUnscheduled()
	}
	s.pending.Store(int64(s.idx.Len()))
	return due, nil
}

// dispatch runs one task's work function outside the index lock. A panic in
// the work function is recovered and recorded as OutcomeFailed.
func (s *Scheduler) dispatch(ctx context.Context, t *ScheduledTask) {
	started := s.now()
	due := t.DueTime()
	s.executed.Add(1)
	t.noteRan(started)

	s.log.Debug("task.started", logx.String("task", t.name), logx.Duration("lateness", started.Sub(due)))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: t.id.String(), Name: t.name, Due: due, Started: started})

	outcome, fault := s.runWork(ctx, t)
	took := s.now().Sub(started)
	t.noteOutcome(outcome)

	item := HistoryItem{
		ID:            t.id.String(),
		Name:          t.name,
		Due:           due,
		Started:       started,
		Duration:      took,
		Outcome:       outcome,
		ScheduleDelay: t.ScheduleDelay(),
	}
	if fault != nil {
		item.Error = fault.Error()
	}
	s.record(item)
	s.publish(eventbus.TaskFinished, item.event())

	fields := []logx.Field{
		logx.String("task", t.name),
		logx.String("outcome", outcome.String()),
		logx.Duration("took", took),
	}
	if fault != nil {
		s.log.Warn("task.fault", append(fields, logx.Err(fault))...)
		return
	}
	s.log.Debug("task.finished", fields...)
}

func (s *Scheduler) runWork(ctx context.Context, t *ScheduledTask) (out Outcome, fault error) {
	defer func() {
		if r := recover(); r != nil {
			out = OutcomeFailed
			fault = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.worker.Work(ctx, t), nil
}

// reschedule recomputes t's due time and reinserts it. It reports false when
// the index lock timed out and the task was queued for a later reinsert.
func (s *Scheduler) reschedule(ctx context.Context, t *ScheduledTask) bool {
	if t.retired.Load() {
		return true
	}
	t.RecomputeDueTime(s.now())
	if err := s.acquire(ctx); err != nil {
		s.deferReinsert(t)
		s.warnLockTimeout("reschedule", err, logx.String("task", t.name))
		return false
	}
	defer s.release()
	s.flushDeferredLocked()
	s.insertLocked(t)
	return true
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
