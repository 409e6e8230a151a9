package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishReachesTypedAndGlobalSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	typed, all := 0, 0
	bus.Subscribe(EventPositionOpened, func(Event) { mu.Lock(); typed++; mu.Unlock() })
	bus.SubscribeAll(func(Event) { mu.Lock(); all++; mu.Unlock() })

	bus.PublishPositionOpened("ADAUSDT", "p1", "ANCHOR", "LONG", 0.86, 2325, 10)
	bus.PublishError("test", "boom", errors.New("x"))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if typed != 1 || all != 2 {
		t.Errorf("typed=%d all=%d, want 1 and 2", typed, all)
	}
}

func TestPublishFillsTimestampAndData(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(e Event) { got <- e })

	bus.PublishPositionClosed("ADAUSDT", "p1", "ANCHOR_HEDGE", "SHORT", "safety", 0.823, 0.8232, -1.5)

	select {
	case e := <-got:
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
		if e.Data["reason"] != "safety" || e.Data["pnl"] != -1.5 {
			t.Errorf("data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	bus.SubscribeAll(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		bus.PublishSignal("ADAUSDT", "ENTRY", "LONG", "ANCHOR", "test", 0.86, 0.8)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Wait()
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *EventBus
	bus.Publish(Event{Type: EventBotStarted})
	bus.PublishEmergencyStop("ADAUSDT", "test", 0, 0)
	bus.Wait()
}
