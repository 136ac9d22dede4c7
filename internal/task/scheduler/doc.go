// Package scheduler runs recurring in-process tasks on elapsed-time intervals.
//
// Tasks wait in a PendingIndex ordered by (due time, id). Each call to
// Scheduler.RunCheckCycle drains the due prefix of the index under a
// bounded-wait lock, executes the drained tasks outside the lock under the
// configured Policy, then recomputes their due times and reinserts them.
//
// The package does not own a clock loop; callers drive RunCheckCycle from a
// ticker or cron trigger (see internal/app).
package scheduler
