package scheduler

import (
	"bytes"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// indexEntry is the key a task was inserted under. The due time is a
// snapshot: later changes to the task do not move it until it is reinserted.
type indexEntry struct {
	due  time.Time
	id   uuid.UUID
	task *ScheduledTask
}

func entryLess(a, b indexEntry) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// PendingIndex orders tasks by (due time, id). Tasks sharing a due time form
// a bucket ordered by id, so enumeration order is total and reproducible.
//
// PendingIndex is not safe for concurrent use; Scheduler guards it with its
// index lock.
type PendingIndex struct {
	tree *btree.BTreeG[indexEntry]
	keys map[uuid.UUID]indexEntry
}

func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		tree: btree.NewG[indexEntry](16, entryLess),
		keys: map[uuid.UUID]indexEntry{},
	}
}

// Insert places t at its sorted position using its current due time.
// Inserting a task that is already indexed re-keys it.
func (p *PendingIndex) Insert(t *ScheduledTask) {
	if t == nil {
		return
	}
	if old, ok := p.keys[t.id]; ok {
		p.tree.Delete(old)
	}
	e := indexEntry{due: t.DueTime(), id: t.id, task: t}
	p.tree.ReplaceOrInsert(e)
	p.keys[t.id] = e
}

// Remove drops t from the index. Removing a task that is not indexed is a
// no-op and reports false.
func (p *PendingIndex) Remove(t *ScheduledTask) bool {
	if t == nil {
		return false
	}
	e, ok := p.keys[t.id]
	if !ok {
		return false
	}
	p.tree.Delete(e)
	delete(p.keys, t.id)
	return true
}

func (p *PendingIndex) Contains(t *ScheduledTask) bool {
	if t == nil {
		return false
	}
	_, ok := p.keys[t.id]
	return ok
}

func (p *PendingIndex) Len() int { return p.tree.Len() }

// Ascend calls fn for each task in (due time, id) order with the due time it
// was indexed under. Enumeration stops when fn returns false. fn must not
// mutate the index.
func (p *PendingIndex) Ascend(fn func(t *ScheduledTask, due time.Time) bool) {
	p.tree.Ascend(func(e indexEntry) bool {
		return fn(e.task, e.due)
	})
}

// Tasks returns the indexed tasks in order.
func (p *PendingIndex) Tasks() []*ScheduledTask {
	out := make([]*ScheduledTask, 0, p.tree.Len())
	p.Ascend(func(t *ScheduledTask, _ time.Time) bool {
		out = append(out, t)
		return true
	})
	return out
}
