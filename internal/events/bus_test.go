package events

import (
	"testing"
	"time"
)

func TestBus_PublishToSubscriber(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewPhaseStartedEvent("s1", "tenant-a", "map", "mapping"))

	select {
	case ev := <-ch:
		if ev.EventType() != TypePhaseStarted {
			t.Fatalf("expected %s, got %s", TypePhaseStarted, ev.EventType())
		}
		if ev.SessionID() != "s1" {
			t.Fatalf("expected session s1, got %s", ev.SessionID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeSessionFailed)
	bus.Publish(NewPhaseStartedEvent("s1", "tenant-a", "map", "mapping"))
	bus.Publish(NewSessionFailedEvent("s1", "tenant-a", "map", "fatal", "boom"))

	select {
	case ev := <-ch:
		if ev.EventType() != TypeSessionFailed {
			t.Fatalf("expected only session_failed events, got %s", ev.EventType())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for filtered event")
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	_ = bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(NewStepStartedEvent("s1", "tenant-a", "mapping", "mapper", "specialist"))
	}

	if bus.DroppedCount() == 0 {
		t.Fatalf("expected dropped events with full buffer")
	}
}

func TestBus_PriorityDeliveryNeverDrops(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	priority := bus.SubscribePriority()
	regular := bus.Subscribe()

	bus.PublishPriority(NewSessionFailedEvent("s1", "tenant-a", "map", "fatal", "boom"))

	select {
	case ev := <-priority:
		if ev.EventType() != TypeSessionFailed {
			t.Fatalf("priority channel got %s, want %s", ev.EventType(), TypeSessionFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on priority channel")
	}

	// Priority publishes still fan out to regular subscribers.
	select {
	case ev := <-regular:
		if ev.EventType() != TypeSessionFailed {
			t.Fatalf("regular channel got %s, want %s", ev.EventType(), TypeSessionFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on regular channel")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New(10)
	bus.Close()
	bus.Publish(NewPhaseStartedEvent("s1", "tenant-a", "map", "mapping"))
	bus.PublishPriority(NewSessionCompletedEvent("s1", "tenant-a", 5))
}
