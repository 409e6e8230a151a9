package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated      EventType = "SIGNAL_GENERATED"
	EventSignalRejected       EventType = "SIGNAL_REJECTED"
	EventPositionOpened       EventType = "POSITION_OPENED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventTakeProfitPlaced     EventType = "TAKE_PROFIT_PLACED"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventEmergencyStop        EventType = "EMERGENCY_STOP"
	EventBotStarted           EventType = "BOT_STARTED"
	EventBotStopped           EventType = "BOT_STOPPED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus fans events out to subscribers. Delivery is asynchronous so a
// slow subscriber never stalls a tick.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.deliver(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.deliver(sub, event)
	}
}

func (eb *EventBus) deliver(sub Subscriber, event Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		sub(event)
	}()
}

// Wait blocks until every event published so far has been delivered.
// Used on shutdown so the last notifications are not lost.
func (eb *EventBus) Wait() {
	if eb == nil {
		return
	}
	eb.wg.Wait()
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(symbol, kind, side, role, reason string, price, confidence float64) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"kind":       kind,
			"side":       side,
			"role":       role,
			"reason":     reason,
			"price":      price,
			"confidence": confidence,
		},
	})
}

// PublishSignalRejected reports a signal the lifecycle manager refused.
func (eb *EventBus) PublishSignalRejected(symbol, kind, role, reason string) {
	eb.Publish(Event{
		Type: EventSignalRejected,
		Data: map[string]interface{}{
			"symbol": symbol,
			"kind":   kind,
			"role":   role,
			"reason": reason,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(symbol, id, role, side string, entryPrice, size float64, leverage int) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"position_id": id,
			"role":        role,
			"side":        side,
			"entry_price": entryPrice,
			"size":        size,
			"leverage":    leverage,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(symbol, id, role, side, reason string, entryPrice, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"position_id": id,
			"role":        role,
			"side":        side,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
		},
	})
}

// PublishTakeProfitPlaced reports a resting take-profit order for a hedge.
func (eb *EventBus) PublishTakeProfitPlaced(symbol, id, side string, price float64) {
	eb.Publish(Event{
		Type: EventTakeProfitPlaced,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"position_id": id,
			"side":        side,
			"price":       price,
		},
	})
}

// PublishCircuitBreaker publishes a breaker state change.
func (eb *EventBus) PublishCircuitBreaker(state, action, reason string) {
	eb.Publish(Event{
		Type: EventCircuitBreakerUpdate,
		Data: map[string]interface{}{
			"state":  state,
			"action": action,
			"reason": reason,
		},
	})
}

// PublishEmergencyStop publishes the outcome of an emergency stop.
func (eb *EventBus) PublishEmergencyStop(symbol, reason string, closed, failed int) {
	eb.Publish(Event{
		Type: EventEmergencyStop,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
			"closed": closed,
			"failed": failed,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
