package eventbus

import "testing"

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	modes, unsubModes := b.Subscribe(4, "mode.")
	defer unsubModes()

	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "mode.dispatched", Data: "root/sensor"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(modes); got != 1 {
		t.Fatalf("mode subscriber got %d events, want 1", got)
	}
	ev := <-modes
	if ev.Type != "mode.dispatched" || ev.Time.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	if b.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: "x"})
}
