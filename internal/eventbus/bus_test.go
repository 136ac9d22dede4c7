package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	finished, unsubFin := b.Subscribe(4, TaskFinished)
	defer unsubFin()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFinished, Data: "x"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(finished); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-finished
	if e.Type != TaskFinished || e.Data != "x" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp a time")
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TaskStarted})
		b.Publish(Event{Type: TaskStarted})
		b.Publish(Event{Type: TaskStarted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: CycleAborted})
}
