package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"pewtick/internal/eventbus"
	logx "pewtick/pkg/logx"
)

// Scheduler keeps a registry of named tasks and the pending index they wait
// in, and runs check cycles over them.
//
// Lock discipline:
//   - idx is only touched while holding the index lock (a weighted semaphore
//     of size one acquired with a bounded wait).
//   - regMu guards the name registry and is never held while waiting for the
//     index lock.
//   - defMu guards the deferred reinsert queue; it nests inside the index lock.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	lock        *semaphore.Weighted
	idx         *PendingIndex
	pending     atomic.Int64
	lockTimeout atomic.Int64
	policy      atomic.Int32

	regMu sync.RWMutex
	tasks map[string]*ScheduledTask

	defMu    sync.Mutex
	deferred []*ScheduledTask

	running  atomic.Bool
	executed atomic.Uint64
	cycles   atomic.Uint64
	aborted  atomic.Uint64

	warnEvery   time.Duration
	warnLimiter *rate.Limiter
	suppressed  atomic.Uint64

	hmu         sync.Mutex
	history     []HistoryItem
	historySize int
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		now:         time.Now,
		lock:        semaphore.NewWeighted(1),
		idx:         NewPendingIndex(),
		tasks:       map[string]*ScheduledTask{},
		warnEvery:   DefaultWarnEvery,
		historySize: DefaultHistorySize,
	}
	s.lockTimeout.Store(int64(DefaultLockTimeout))
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.warnLimiter = rate.NewLimiter(rate.Every(s.warnEvery), 1)
	return s
}

// AddTask registers t by name and publishes it to the pending index.
func (s *Scheduler) AddTask(t *ScheduledTask) error {
	if t == nil {
		return ErrNilTask
	}
	s.regMu.Lock()
	if _, exists := s.tasks[t.name]; exists {
		s.regMu.Unlock()
		return ErrDuplicateName
	}
	t.retired.Store(false)
	s.tasks[t.name] = t
	s.regMu.Unlock()

	if err := s.acquire(context.Background()); err != nil {
		// Keep the task: it is published by the next successful lock holder.
		s.deferReinsert(t)
		s.warnLockTimeout("add", err, logx.String("task", t.name))
	} else {
		s.flushDeferredLocked()
		s.insertLocked(t)
		s.release()
	}

	s.log.Debug("task registered",
		logx.String("task", t.name),
		logx.String("id", t.id.String()),
		logx.Duration("interval", t.Interval()),
		logx.Time("due", t.DueTime()),
	)
	return nil
}

// RemoveTask unregisters the task with the given name. Unknown names are a
// no-op and report false.
//
// A task removed while it is being dispatched finishes its current run and is
// not rescheduled afterwards.
func (s *Scheduler) RemoveTask(name string) bool {
	s.regMu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
		// Flipped under regMu so a concurrent AddTask of the same task
		// clears it strictly afterwards.
		t.retired.Store(true)
	}
	s.regMu.Unlock()
	if !ok {
		return false
	}

	s.dropDeferred(t)

	if err := s.acquire(context.Background()); err != nil {
		// The next drain discards retired entries it walks over.
		s.warnLockTimeout("remove", err, logx.String("task", name))
	} else {
		// A re-add that won the race owns the index entry now.
		if t.retired.Load() {
			s.idx.Remove(t)
			t.markUnscheduled()
			s.pending.Store(int64(s.idx.Len()))
		}
		s.release()
	}

	s.log.Debug("task removed", logx.String("task", name))
	return true
}

// GetTask returns the registered task with the given name.
func (s *Scheduler) GetTask(name string) (*ScheduledTask, bool) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// TasksCount reports registry membership, independent of pending state.
func (s *Scheduler) TasksCount() int {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return len(s.tasks)
}

// ScheduledTaskCount reports the pending index size as of its last mutation.
func (s *Scheduler) ScheduledTaskCount() int { return int(s.pending.Load()) }

// ExecutedTaskCount is the cumulative number of dispatched tasks.
func (s *Scheduler) ExecutedTaskCount() uint64 { return s.executed.Load() }

// IsCycleRunning reports whether a check cycle is in flight.
func (s *Scheduler) IsCycleRunning() bool { return s.running.Load() }

// DeferredCount reports tasks waiting to be reinserted after a lock timeout.
func (s *Scheduler) DeferredCount() int {
	s.defMu.Lock()
	defer s.defMu.Unlock()
	return len(s.deferred)
}

func (s *Scheduler) LockTimeout() time.Duration { return time.Duration(s.lockTimeout.Load()) }

// SetLockTimeout changes the bounded wait for cycles started afterwards.
func (s *Scheduler) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout.Store(int64(d))
	}
}

func (s *Scheduler) Policy() Policy { return Policy(s.policy.Load()) }

// SetPolicy changes the execution policy for cycles started afterwards.
func (s *Scheduler) SetPolicy(p Policy) { s.policy.Store(int32(p)) }

// ---- index lock ----

func (s *Scheduler) acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, s.LockTimeout())
	defer cancel()
	if err := s.lock.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	return nil
}

func (s *Scheduler) release() { s.lock.Release(1) }

// insertLocked publishes t to the index. Call with the index lock held.
func (s *Scheduler) insertLocked(t *ScheduledTask) {
	if t.retired.Load() {
		return
	}
	s.idx.Insert(t)
	t.markScheduled()
	s.pending.Store(int64(s.idx.Len()))
}

func (s *Scheduler) deferReinsert(t *ScheduledTask) {
	s.defMu.Lock()
	defer s.defMu.Unlock()
	for _, d := range s.deferred {
		if d == t {
			return
		}
	}
	s.deferred = append(s.deferred, t)
}

// dropDeferred discards t from the deferred queue unless it was re-added
// since it was retired.
func (s *Scheduler) dropDeferred(t *ScheduledTask) {
	s.defMu.Lock()
	defer s.defMu.Unlock()
	if !t.retired.Load() {
		return
	}
	n := 0
	for _, d := range s.deferred {
		if d == t {
			continue
		}
		s.deferred[n] = d
		n++
	}
	for i := n; i < len(s.deferred); i++ {
		s.deferred[i] = nil
	}
	s.deferred = s.deferred[:n]
}

// flushDeferredLocked reinserts tasks whose earlier reinsert timed out.
// Call with the index lock held.
func (s *Scheduler) flushDeferredLocked() {
	s.defMu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.defMu.Unlock()

	for _, t := range pending {
		s.insertLocked(t)
	}
	if len(pending) > 0 {
		s.log.Debug("deferred tasks reinserted", logx.Int("count", len(pending)))
	}
}

func (s *Scheduler) warnLockTimeout(step string, err error, fields ...logx.Field) {
	base := []logx.Field{
		logx.String("step", step),
		logx.Duration("lock_timeout", s.LockTimeout()),
		logx.Err(err),
	}
	base = append(base, fields...)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("pending index lock wait canceled", base...)
		return
	}
	if s.warnLimiter.Allow() {
		if n := s.suppressed.Swap(0); n > 0 {
			base = append(base, logx.Uint64("suppressed", n))
		}
		s.log.Warn("pending index lock timeout", base...)
		return
	}
	s.suppressed.Add(1)
	s.log.Debug("pending index lock timeout", base...)
}
