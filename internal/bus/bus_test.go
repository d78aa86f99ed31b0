package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(MessageSent, MessageEvent{ChatID: "c1", MessageID: "m1"})

	select {
	case evt := <-ch:
		if evt.Kind != MessageSent {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageSent)
		}
		p, ok := evt.Payload.(MessageEvent)
		if !ok || p.MessageID != "m1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Emit(MessageQueued, MessageEvent{})
	b.Emit(QueueSweep, SweepEvent{Trigger: "manual"})

	select {
	case evt := <-ch:
		if evt.Kind != QueueSweep {
			t.Errorf("got kind %q, want %s", evt.Kind, QueueSweep)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub()

	b.Emit(MessageSent, nil)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Emit(MessageQueued, nil)
	b.Emit(MessageSent, nil)

	evt := <-ch
	if evt.Kind != MessageQueued {
		t.Errorf("got %q, want %s", evt.Kind, MessageQueued)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
