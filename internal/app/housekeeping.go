package app

import (
	"context"
	"errors"
	"time"

	"pewtick/internal/config"
	"pewtick/internal/task/scheduler"
	logx "pewtick/pkg/logx"
)

const (
	taskHeartbeat    = "heartbeat"
	taskJournalPrune = "journal.prune"

	pruneTimeout = 30 * time.Second
)

// heartbeatWork logs a scheduler summary and pets the systemd watchdog.
func (a *App) heartbeatWork(ctx context.Context, _ *scheduler.ScheduledTask) scheduler.Outcome {
	snap := a.sched.Snapshot(ctx)
	a.log.Info("heartbeat",
		logx.Int("tasks", snap.Tasks),
		logx.Int("pending", snap.Pending),
		logx.Int("deferred", snap.Deferred),
		logx.Uint64("executed", snap.Executed),
		logx.Uint64("cycles", snap.Cycles),
		logx.Uint64("aborted", snap.Aborted),
		logx.String("policy", snap.Policy.String()),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	a.sd.Watchdog()
	return scheduler.OutcomeSuccess
}

// pruneWork deletes journal records older than the retention window.
func (a *App) pruneWork(ctx context.Context, t *scheduler.ScheduledTask) scheduler.Outcome {
	if a.store == nil {
		return scheduler.OutcomeNotRunMissingResources
	}
	a.mu.Lock()
	retention := a.retention
	a.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()
	cutoff := time.Now().Add(-retention)
	n, err := a.store.PruneRuns(pctx, cutoff)
	if err != nil {
		a.log.Warn("journal prune failed", logx.Err(err))
		if errors.Is(err, context.DeadlineExceeded) {
			// Ask for a later retry; reported only.
			t.SetScheduleDelay(int(pruneTimeout / time.Second))
		}
		return scheduler.OutcomeFailed
	}
	t.SetScheduleDelay(0)
	if n == 0 {
		return scheduler.OutcomeNotRunNoData
	}
	a.log.Info("journal pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	return scheduler.OutcomeSuccess
}

// applyHousekeeping registers, re-times or removes the built-in tasks to
// match cfg. It is called at start and on every config reload.
func (a *App) applyHousekeeping(cfg *config.Config) error {
	var errs []error

	hbEvery, err := builtinInterval(taskHeartbeat, cfg.Tasks.Heartbeat, defaultHeartbeatEvery)
	if err != nil {
		errs = append(errs, err)
	} else {
		if wd := a.sd.WatchdogInterval(); wd > 0 && hbEvery > wd/2 {
			a.log.Warn("heartbeat slower than half the watchdog interval",
				logx.Duration("heartbeat", hbEvery), logx.Duration("watchdog", wd))
		}
		errs = append(errs, a.syncBuiltin(taskHeartbeat, cfg.Tasks.Heartbeat.Enabled, hbEvery, a.heartbeatWork))
	}

	pruneEvery, err := builtinInterval(taskJournalPrune, cfg.Tasks.JournalPrune, defaultPruneEvery)
	if err != nil {
		errs = append(errs, err)
	} else {
		enabled := cfg.Tasks.JournalPrune.Enabled
		if enabled && a.store == nil {
			a.log.Warn("journal.prune enabled without storage; skipping")
			enabled = false
		}
		errs = append(errs, a.syncBuiltin(taskJournalPrune, enabled, pruneEvery, a.pruneWork))
	}
	return errors.Join(errs...)
}

func (a *App) syncBuiltin(name string, enabled bool, every time.Duration, work scheduler.WorkFunc) error {
	cur, registered := a.sched.GetTask(name)
	switch {
	case !enabled && registered:
		a.sched.RemoveTask(name)
		a.log.Info("builtin task disabled", logx.String("task", name))
	case enabled && !registered:
		t, err := scheduler.NewTask(name, every, work)
		if err != nil {
			return err
		}
		if err := a.sched.AddTask(t); err != nil {
			return err
		}
		a.log.Info("builtin task enabled", logx.String("task", name), logx.Duration("every", every))
	case enabled && registered && cur.Interval() != every:
		if err := cur.SetInterval(every); err != nil {
			return err
		}
		a.log.Info("builtin task interval changed", logx.String("task", name), logx.Duration("every", every))
	}
	return nil
}
