package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pewtick/internal/config"
	"pewtick/internal/eventbus"
	"pewtick/internal/runtime/supervisor"
	"pewtick/internal/storage"
	"pewtick/internal/task/scheduler"
	logx "pewtick/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Scheduler
	trig  *trigger
	sd    sdNotifier

	// started is the config the app was built from; reloads are diffed
	// against it until the first one is applied.
	started *config.Config

	mu        sync.Mutex
	retention time.Duration
	unsubs    []func()
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

// CheckConfig loads the config at path and runs the same validation NewApp
// and config reloads apply.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open run journal: %w", err)
		}
		store = st
		log.Info("run journal enabled", logx.String("driver", sc.Driver))
	}

	settings, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(
		scheduler.WithLockTimeout(settings.LockTimeout),
		scheduler.WithPolicy(settings.Policy),
		scheduler.WithHistorySize(settings.HistorySize),
		scheduler.WithWarnEvery(settings.WarnEvery),
		scheduler.WithEventBus(bus),
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
	)
	retention, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		sched:     sched,
		trig:      newTrigger(sched, settings.CheckInterval, log.With(logx.String("comp", "trigger"))),
		sd:        sdNotifier{notify: cfg.Systemd.Notify, watchdog: cfg.Systemd.Watchdog, log: log.With(logx.String("comp", "systemd"))},
		started:   cfg,
		retention: retention,
	}, nil
}

// Scheduler exposes the engine so callers can register their own tasks.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Subscribe before reading the current config so no commit falls in
	// between.
	sub := a.cfgm.Subscribe(8)
	current := a.started
	if err := a.applyHousekeeping(current); err != nil {
		a.cfgm.Unsubscribe(sub)
		return err
	}
	if latest := a.cfgm.Get(); latest != nil && latest != current {
		a.applyConfig(current, latest)
		current = latest
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(journalBuffer, eventbus.TaskFinished)
		a.addUnsub(unsub)
		store, log := a.store, a.log.With(logx.String("comp", "journal"))
		a.sup.GoRestart("journal.writer", func(c context.Context) error {
			return runJournal(c, events, store, log)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.addUnsub(unsub)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		a.logEvents(c, events)
		return nil
	})

	a.sup.Go("check.trigger", func(c context.Context) error {
		a.trig.Start(c)
		<-c.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.trig.Stop(stopCtx)
		return nil
	})

	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, current)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started",
		logx.Int("tasks", a.sched.TasksCount()),
		logx.Duration("check_interval", a.trig.Interval()),
		logx.String("policy", a.sched.Policy().String()),
	)
	return nil
}

func (a *App) addUnsub(fn func()) {
	a.mu.Lock()
	a.unsubs = append(a.unsubs, fn)
	a.mu.Unlock()
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == eventbus.CycleAborted {
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				continue
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies configs published on sub. lastApplied is the config the
// app was started with; it is fixed before the loop runs so a reload committed
// in between is still diffed against it.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the hot-reloadable parts of newCfg. Storage, history
// size and systemd flags need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLogConfig(newCfg))

	if settings, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.SetLockTimeout(settings.LockTimeout)
		a.sched.SetPolicy(settings.Policy)
		a.trig.SetInterval(settings.CheckInterval)
		if oldCfg != nil && (oldCfg.Scheduler.HistorySize != newCfg.Scheduler.HistorySize ||
			strings.TrimSpace(oldCfg.Scheduler.WarnEvery) != strings.TrimSpace(newCfg.Scheduler.WarnEvery)) {
			a.log.Warn("scheduler.history_size/warn_every changed; restart required for changes to take effect")
		}
	}

	if retention, err := mapRetention(newCfg); err == nil {
		a.mu.Lock()
		a.retention = retention
		a.mu.Unlock()
	}

	for _, s := range sections {
		switch s {
		case "storage", "systemd":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if err := a.applyHousekeeping(newCfg); err != nil {
		a.log.Warn("builtin tasks not fully applied", logx.Err(err))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Cancels the trigger, watcher and journal writer, then waits for them.
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("events", time.Second, func(context.Context) error {
		a.mu.Lock()
		unsubs := a.unsubs
		a.unsubs = nil
		a.mu.Unlock()
		for _, fn := range unsubs {
			fn()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.sched.Snapshot(ctx)
	a.log.Info("app stopped",
		logx.Uint64("executed", snap.Executed),
		logx.Uint64("cycles", snap.Cycles),
		logx.Uint64("aborted", snap.Aborted),
	)
	return a.logs.Close()
}
