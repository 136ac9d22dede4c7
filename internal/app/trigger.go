package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewtick/internal/task/scheduler"
	logx "pewtick/pkg/logx"
)

// fixedDelay fires every d after the previous activation. Unlike
// cron.Every it does not round down to whole seconds.
type fixedDelay struct{ d time.Duration }

func (f fixedDelay) Next(t time.Time) time.Time { return t.Add(f.d) }

// trigger drives Scheduler.RunCheckCycle from a cron runner.
type trigger struct {
	sched *scheduler.Scheduler
	log   logx.Logger

	mu    sync.Mutex
	c     *cron.Cron
	ctx   context.Context
	every time.Duration
	entry cron.EntryID
}

func newTrigger(sched *scheduler.Scheduler, every time.Duration, log logx.Logger) *trigger {
	if every <= 0 {
		every = time.Second
	}
	return &trigger{sched: sched, every: every, log: log}
}

// Start registers the check job and starts the runner. ctx is handed to
// every check cycle.
func (t *trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	cl := cronLogger{log: t.log}
	t.ctx = ctx
	t.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	t.entry = t.c.Schedule(fixedDelay{d: t.every}, cron.FuncJob(t.tick))
	t.c.Start()
	t.log.Info("trigger started", logx.Duration("every", t.every))
}

// Stop stops the runner and waits for an in-flight cycle until ctx ends.
func (t *trigger) Stop(ctx context.Context) {
	start := time.Now()
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// SetInterval swaps the check job for one firing every d.
func (t *trigger) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if d == t.every {
		return
	}
	t.every = d
	if t.c == nil {
		return
	}
	t.c.Remove(t.entry)
	t.entry = t.c.Schedule(fixedDelay{d: d}, cron.FuncJob(t.tick))
	t.log.Info("trigger interval changed", logx.Duration("every", d))
}

func (t *trigger) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.every
}

func (t *trigger) tick() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	rep := t.sched.RunCheckCycle(ctx)
	if rep.Skipped {
		t.log.Debug("check cycle skipped (previous still running)")
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
