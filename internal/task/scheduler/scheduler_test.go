package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pewtick/internal/eventbus"
	logx "pewtick/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects the names of dispatched tasks in start order.
type recorder struct {
	mu    sync.Mutex
	names []string
	at    []time.Time
}

func (r *recorder) work(body func()) WorkFunc {
	return func(_ context.Context, t *ScheduledTask) Outcome {
		r.mu.Lock()
		r.names = append(r.names, t.Name())
		r.at = append(r.at, time.Now())
		r.mu.Unlock()
		if body != nil {
			body()
		}
		return OutcomeSuccess
	}
}

func (r *recorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...), append([]time.Time(nil), r.at...)
}

func mustTask(t *testing.T, name string, interval time.Duration, work Worker, now time.Time) *ScheduledTask {
	t.Helper()
	task, err := newTask(name, StrategyElapsed, interval, work, now)
	if err != nil {
		t.Fatalf("newTask(%s): %v", name, err)
	}
	return task
}

func TestAddRemoveGet(t *testing.T) {
	t.Parallel()
	s := New()
	task, _ := NewTask("a", time.Minute, WorkFunc(noopWork))

	if err := s.AddTask(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("AddTask(nil) err = %v", err)
	}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	dup, _ := NewTask("a", time.Second, WorkFunc(noopWork))
	if err := s.AddTask(dup); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate AddTask err = %v", err)
	}
	if s.TasksCount() != 1 || s.ScheduledTaskCount() != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", s.TasksCount(), s.ScheduledTaskCount())
	}
	if !task.IsScheduled() {
		t.Fatal("added task must be scheduled")
	}
	if got, ok := s.GetTask("a"); !ok || got != task {
		t.Fatal("GetTask did not return the registered task")
	}
	if _, ok := s.GetTask("missing"); ok {
		t.Fatal("GetTask(missing) reported ok")
	}

	if s.RemoveTask("missing") {
		t.Fatal("RemoveTask(missing) must report false")
	}
	if !s.RemoveTask("a") {
		t.Fatal("RemoveTask(a) must report true")
	}
	if s.TasksCount() != 0 || s.ScheduledTaskCount() != 0 || task.IsScheduled() {
		t.Fatal("removed task still visible")
	}

	// Name is free again after removal.
	if err := s.AddTask(dup); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
}

func TestCycleDoesNotDispatchBeforeDue(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now))
	var rec recorder
	if err := s.AddTask(mustTask(t, "later", time.Minute, rec.work(nil), clk.Now())); err != nil {
		t.Fatal(err)
	}

	clk.Advance(59 * time.Second)
	rep := s.RunCheckCycle(context.Background())
	if rep.Dispatched != 0 || s.ExecutedTaskCount() != 0 {
		t.Fatalf("dispatched %d before due", rep.Dispatched)
	}
	if s.ScheduledTaskCount() != 1 {
		t.Fatalf("ScheduledTaskCount = %d, want 1", s.ScheduledTaskCount())
	}
}

func TestCycleDispatchesOnceAndReschedules(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now))
	var rec recorder
	task := mustTask(t, "tick", 10*time.Second, rec.work(nil), clk.Now())
	if err := s.AddTask(task); err != nil {
		t.Fatal(err)
	}

	clk.Advance(25 * time.Second)
	rep := s.RunCheckCycle(context.Background())
	if rep.Dispatched != 1 || rep.Aborted || rep.Skipped {
		t.Fatalf("unexpected report: %+v", rep)
	}
	names, _ := rec.snapshot()
	if len(names) != 1 {
		t.Fatalf("work ran %d times, want exactly once", len(names))
	}
	if s.ExecutedTaskCount() != 1 {
		t.Fatalf("ExecutedTaskCount = %d, want 1", s.ExecutedTaskCount())
	}
	if !task.IsScheduled() || s.ScheduledTaskCount() != 1 {
		t.Fatal("task must be back in the pending index")
	}
	if !task.DueTime().After(clk.Now()) {
		t.Fatalf("due %v not after now %v", task.DueTime(), clk.Now())
	}
	if want := clk.Now().Add(10 * time.Second); !task.DueTime().Equal(want) {
		t.Fatalf("due = %v, want %v", task.DueTime(), want)
	}
	if !task.LastRan().Equal(clk.Now()) {
		t.Fatalf("LastRan = %v, want %v", task.LastRan(), clk.Now())
	}

	// Same instant: the rescheduled task is not due yet.
	if rep := s.RunCheckCycle(context.Background()); rep.Dispatched != 0 {
		t.Fatalf("second cycle dispatched %d", rep.Dispatched)
	}
}

func TestDrainOrderFollowsDueThenID(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now), WithPolicy(PolicySerialized))
	var rec recorder
	base := clk.Now()

	third := mustTask(t, "third", 3*time.Second, rec.work(nil), base)
	tieA := mustTask(t, "tie-a", 2*time.Second, rec.work(nil), base)
	tieB := mustTask(t, "tie-b", 2*time.Second, rec.work(nil), base)
	first := mustTask(t, "first", time.Second, rec.work(nil), base)
	for _, task := range []*ScheduledTask{third, tieB, first, tieA} {
		if err := s.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	clk.Advance(time.Minute)
	s.RunCheckCycle(context.Background())

	lo, hi := tieA, tieB
	if bytes.Compare(tieB.id[:], tieA.id[:]) < 0 {
		lo, hi = tieB, tieA
	}
	want := []string{"first", lo.Name(), hi.Name(), "third"}
	got, _ := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}
}

func TestSerializedPolicyRunsOneAtATime(t *testing.T) {
	t.Parallel()
	s := New(WithPolicy(PolicySerialized))
	var rec recorder
	past := time.Now().Add(-time.Second)
	for _, name := range []string{"a", "b", "c"} {
		task := mustTask(t, name, 500*time.Millisecond, rec.work(func() { time.Sleep(200 * time.Millisecond) }), past)
		if err := s.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	rep := s.RunCheckCycle(context.Background())
	if rep.Dispatched != 3 {
		t.Fatalf("Dispatched = %d, want 3", rep.Dispatched)
	}
	_, at := rec.snapshot()
	for i := 1; i < len(at); i++ {
		if gap := at[i].Sub(at[i-1]); gap < 200*time.Millisecond {
			t.Fatalf("start %d began %v after the previous one, want >= 200ms", i, gap)
		}
	}
	if s.ScheduledTaskCount() != 3 {
		t.Fatalf("ScheduledTaskCount = %d, want 3", s.ScheduledTaskCount())
	}
}

func TestConcurrentPolicyStartsTogether(t *testing.T) {
	t.Parallel()
	s := New(WithPolicy(PolicyConcurrent))
	var rec recorder
	past := time.Now().Add(-time.Second)
	for _, name := range []string{"a", "b", "c"} {
		task := mustTask(t, name, 500*time.Millisecond, rec.work(func() { time.Sleep(200 * time.Millisecond) }), past)
		if err := s.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	started := time.Now()
	rep := s.RunCheckCycle(context.Background())
	took := time.Since(started)
	if rep.Dispatched != 3 || s.ExecutedTaskCount() != 3 {
		t.Fatalf("Dispatched = %d executed = %d, want 3/3", rep.Dispatched, s.ExecutedTaskCount())
	}
	_, at := rec.snapshot()
	for i := 1; i < len(at); i++ {
		if d := at[i].Sub(at[0]); d > 100*time.Millisecond || d < -100*time.Millisecond {
			t.Fatalf("start %d is %v away from the first start", i, d)
		}
	}
	if took >= 550*time.Millisecond {
		t.Fatalf("cycle took %v; bodies did not overlap", took)
	}
	if s.ScheduledTaskCount() != 3 {
		t.Fatalf("ScheduledTaskCount = %d, want 3", s.ScheduledTaskCount())
	}
}

func TestFaultingTaskDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	for _, policy := range []Policy{PolicyConcurrent, PolicySerialized} {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			bus := eventbus.New()
			events, cancel := bus.Subscribe(16, eventbus.TaskFinished)
			defer cancel()

			var buf bytes.Buffer
			s := New(
				WithClock(clk.Now),
				WithPolicy(policy),
				WithEventBus(bus),
				WithLogger(logx.NewWriter(&buf, "debug")),
			)
			base := clk.Now()
			panics := mustTask(t, "panics", time.Second, WorkFunc(func(context.Context, *ScheduledTask) Outcome {
				panic("boom")
			}), base)
			fails := mustTask(t, "fails", time.Second, WorkFunc(func(_ context.Context, task *ScheduledTask) Outcome {
				task.SetScheduleDelay(30)
				return OutcomeFailed
			}), base)
			ok := mustTask(t, "ok", time.Second, WorkFunc(noopWork), base)
			for _, task := range []*ScheduledTask{panics, fails, ok} {
				if err := s.AddTask(task); err != nil {
					t.Fatal(err)
				}
			}

			clk.Advance(2 * time.Second)
			rep := s.RunCheckCycle(context.Background())
			if rep.Dispatched != 3 {
				t.Fatalf("Dispatched = %d, want 3", rep.Dispatched)
			}
			if s.ScheduledTaskCount() != 3 {
				t.Fatalf("ScheduledTaskCount = %d, want 3 (faulting tasks are rescheduled too)", s.ScheduledTaskCount())
			}
			if panics.LastOutcome() != OutcomeFailed || fails.LastOutcome() != OutcomeFailed || ok.LastOutcome() != OutcomeSuccess {
				t.Fatalf("outcomes: %v %v %v", panics.LastOutcome(), fails.LastOutcome(), ok.LastOutcome())
			}
			for _, task := range []*ScheduledTask{panics, fails, ok} {
				if !task.LastRan().Equal(clk.Now()) {
					t.Fatalf("%s LastRan = %v, want %v regardless of outcome", task.Name(), task.LastRan(), clk.Now())
				}
			}
			// Outcome and schedule delay are reported, not acted on.
			if want := clk.Now().Add(time.Second); !fails.DueTime().Equal(want) {
				t.Fatalf("failed task due = %v, want %v", fails.DueTime(), want)
			}

			var sawPanic bool
			for _, h := range s.History() {
				if h.Name == "panics" && h.Error != "" {
					sawPanic = true
				}
				if h.Name == "fails" && h.ScheduleDelay != 30 {
					t.Fatalf("history schedule delay = %d, want 30", h.ScheduleDelay)
				}
			}
			if !sawPanic {
				t.Fatal("panic not recorded in history")
			}
			for i := 0; i < 3; i++ {
				select {
				case e := <-events:
					if _, ok := e.Data.(TaskEvent); !ok {
						t.Fatalf("event data = %T", e.Data)
					}
				case <-time.After(time.Second):
					t.Fatalf("missing task.finished event %d", i)
				}
			}
			if !bytes.Contains(buf.Bytes(), []byte("task.panic")) {
				t.Fatal("panic was not logged")
			}
		})
	}
}

func TestLockTimeoutAbortsCycle(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	bus := eventbus.New()
	aborted, cancel := bus.Subscribe(4, eventbus.CycleAborted)
	defer cancel()

	s := New(WithClock(clk.Now), WithLockTimeout(30*time.Millisecond), WithEventBus(bus))
	var rec recorder
	if err := s.AddTask(mustTask(t, "a", time.Second, rec.work(nil), clk.Now())); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)

	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	rep := s.RunCheckCycle(context.Background())
	s.lock.Release(1)

	if !rep.Aborted || rep.Dispatched != 0 || s.ExecutedTaskCount() != 0 {
		t.Fatalf("unexpected report while lock held: %+v", rep)
	}
	if s.IsCycleRunning() {
		t.Fatal("aborted cycle left the running flag set")
	}
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("missing cycle.aborted event")
	}

	if rep := s.RunCheckCycle(context.Background()); rep.Dispatched != 1 {
		t.Fatalf("cycle after release dispatched %d, want 1", rep.Dispatched)
	}
}

func TestRescheduleTimeoutIsReinsertedLater(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now), WithLockTimeout(30*time.Millisecond), WithPolicy(PolicySerialized))

	var held bool
	task := mustTask(t, "hog", time.Second, WorkFunc(func(context.Context, *ScheduledTask) Outcome {
		// Hold the index lock across the reschedule step.
		held = s.lock.TryAcquire(1)
		return OutcomeSuccess
	}), clk.Now())
	if err := s.AddTask(task); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)

	rep := s.RunCheckCycle(context.Background())
	if !held {
		t.Fatal("work function could not take the lock")
	}
	s.lock.Release(1)

	if rep.Deferred != 1 || s.DeferredCount() != 1 {
		t.Fatalf("Deferred = %d/%d, want 1", rep.Deferred, s.DeferredCount())
	}
	if task.IsScheduled() || s.ScheduledTaskCount() != 0 {
		t.Fatal("deferred task must not be in the index yet")
	}
	if s.TasksCount() != 1 {
		t.Fatal("deferred task must stay registered")
	}

	s.RunCheckCycle(context.Background())
	if s.DeferredCount() != 0 || !task.IsScheduled() || s.ScheduledTaskCount() != 1 {
		t.Fatal("next cycle did not reinsert the deferred task")
	}

	clk.Advance(2 * time.Second)
	held = false
	before := s.ExecutedTaskCount()
	s.RunCheckCycle(context.Background())
	if s.ExecutedTaskCount() != before+1 {
		t.Fatal("reinserted task was not dispatched again")
	}
	if held {
		s.lock.Release(1)
	}
}

func TestRemoveDuringDispatchIsNotRescheduled(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now))
	task := mustTask(t, "self-remove", time.Second, WorkFunc(func(_ context.Context, self *ScheduledTask) Outcome {
		s.RemoveTask(self.Name())
		return OutcomeSuccess
	}), clk.Now())
	if err := s.AddTask(task); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)

	if rep := s.RunCheckCycle(context.Background()); rep.Dispatched != 1 {
		t.Fatalf("Dispatched = %d, want 1", rep.Dispatched)
	}
	if s.TasksCount() != 0 || s.ScheduledTaskCount() != 0 || task.IsScheduled() {
		t.Fatal("removed task was rescheduled")
	}
	clk.Advance(2 * time.Second)
	if rep := s.RunCheckCycle(context.Background()); rep.Dispatched != 0 {
		t.Fatal("removed task ran again")
	}
}

func TestRemoveRacingReAddKeepsIndexConsistent(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now))
	task := mustTask(t, "flappy", time.Minute, WorkFunc(noopWork), clk.Now())

	for i := 0; i < 500; i++ {
		if err := s.AddTask(task); err != nil {
			t.Fatalf("round %d: AddTask: %v", i, err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.RemoveTask(task.Name())
		}()
		go func() {
			defer wg.Done()
			_ = s.AddTask(task)
		}()
		wg.Wait()

		_, registered := s.GetTask(task.Name())
		if indexed := s.idx.Contains(task); registered != indexed {
			t.Fatalf("round %d: registered=%v indexed=%v", i, registered, indexed)
		}
		if registered != task.IsScheduled() {
			t.Fatalf("round %d: registered=%v IsScheduled=%v", i, registered, task.IsScheduled())
		}
		want := 0
		if registered {
			want = 1
		}
		if s.ScheduledTaskCount() != want {
			t.Fatalf("round %d: ScheduledTaskCount = %d, want %d", i, s.ScheduledTaskCount(), want)
		}
		s.RemoveTask(task.Name())
	}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now))
	release := make(chan struct{})
	entered := make(chan struct{})
	task := mustTask(t, "slow", time.Second, WorkFunc(func(context.Context, *ScheduledTask) Outcome {
		close(entered)
		<-release
		return OutcomeSuccess
	}), clk.Now())
	if err := s.AddTask(task); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)

	done := make(chan CycleReport, 1)
	go func() { done <- s.RunCheckCycle(context.Background()) }()
	<-entered

	if !s.IsCycleRunning() {
		t.Fatal("IsCycleRunning = false during dispatch")
	}
	if rep := s.RunCheckCycle(context.Background()); !rep.Skipped {
		t.Fatalf("overlapping cycle not skipped: %+v", rep)
	}
	close(release)
	if rep := <-done; rep.Dispatched != 1 {
		t.Fatalf("first cycle dispatched %d", rep.Dispatched)
	}
	if s.IsCycleRunning() {
		t.Fatal("IsCycleRunning still set after cycle")
	}
}

func TestRuntimeSettersApplyToLaterCycles(t *testing.T) {
	t.Parallel()
	s := New()
	if s.LockTimeout() != DefaultLockTimeout || s.Policy() != PolicyConcurrent {
		t.Fatalf("defaults = %v/%v", s.LockTimeout(), s.Policy())
	}
	s.SetLockTimeout(time.Second)
	s.SetLockTimeout(0)
	s.SetPolicy(PolicySerialized)
	if s.LockTimeout() != time.Second {
		t.Fatalf("LockTimeout = %v", s.LockTimeout())
	}
	if rep := s.RunCheckCycle(context.Background()); rep.Policy != PolicySerialized {
		t.Fatalf("cycle policy = %v", rep.Policy)
	}
}

func TestSnapshotListsQueueInOrder(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(WithClock(clk.Now), WithHistorySize(2))
	base := clk.Now()
	for i, name := range []string{"c", "a", "b"} {
		if err := s.AddTask(mustTask(t, name, time.Duration(3-i)*time.Second, WorkFunc(noopWork), base)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		clk.Advance(5 * time.Second)
		s.RunCheckCycle(context.Background())
	}

	snap := s.Snapshot(context.Background())
	if snap.Tasks != 3 || snap.Pending != 3 || len(snap.Queue) != 3 {
		t.Fatalf("snapshot counts: %+v", snap)
	}
	for i := 1; i < len(snap.Queue); i++ {
		if snap.Queue[i].Due.Before(snap.Queue[i-1].Due) {
			t.Fatal("queue not in due order")
		}
	}
	if len(snap.History) != 2 || snap.HistorySize != 2 {
		t.Fatalf("history len = %d, want capped at 2", len(snap.History))
	}
	if snap.Cycles != 3 || snap.Executed != 9 {
		t.Fatalf("cycles/executed = %d/%d", snap.Cycles, snap.Executed)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Policy{
		"":           PolicyConcurrent,
		"Concurrent": PolicyConcurrent,
		"serialized": PolicySerialized,
		"sequential": PolicySerialized,
	} {
		got, err := ParsePolicy(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParsePolicy("fifo"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
