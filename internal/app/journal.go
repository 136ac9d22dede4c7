package app

import (
	"context"
	"time"

	"pewtick/internal/eventbus"
	"pewtick/internal/storage"
	"pewtick/internal/task/scheduler"
	logx "pewtick/pkg/logx"
)

const (
	journalBuffer       = 256
	journalWriteTimeout = 2 * time.Second
)

// runJournal copies task.finished events into the store until ctx ends.
// The subscription is taken before the loop starts so no event published
// after Start is missed.
func runJournal(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			te, ok := e.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
			err := store.AppendRun(wctx, toRunRecord(te))
			cancel()
			if err != nil {
				log.Warn("journal append failed", logx.String("task", te.Name), logx.Err(err))
			}
		}
	}
}

func toRunRecord(te scheduler.TaskEvent) storage.RunRecord {
	return storage.RunRecord{
		Started:       te.Started,
		Due:           te.Due,
		TaskID:        te.ID,
		Task:          te.Name,
		TookMS:        te.Duration.Milliseconds(),
		Outcome:       te.Outcome,
		Error:         te.Error,
		ScheduleDelay: te.ScheduleDelay,
	}
}
