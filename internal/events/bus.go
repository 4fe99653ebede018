// Package events is the in-process bus carrying decision-pipeline events to
// passive listeners like the audit recorder. Publishing never blocks the
// decision cycle.
package events

import (
	"sync"
	"time"
)

// EventType represents the kinds of events the pipeline emits.
type EventType string

const (
	EventAgentStarted    EventType = "AGENT_STARTED"
	EventAgentStopped    EventType = "AGENT_STOPPED"
	EventCycleSkipped    EventType = "CYCLE_SKIPPED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventDecisionMade    EventType = "DECISION_MADE"
	EventTradePlaced     EventType = "TRADE_PLACED"
	EventTradeSettled    EventType = "TRADE_SETTLED"
	EventProviderFailed  EventType = "PROVIDER_FAILED"
	EventError           EventType = "ERROR"
)

// Event is one bus message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs on its own
// goroutine so a slow listener cannot stall the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a trigger signal event.
func (eb *EventBus) PublishSignal(asset, timeframe, trigger, direction, reason string, strength float64) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"asset":     asset,
			"timeframe": timeframe,
			"trigger":   trigger,
			"direction": direction,
			"strength":  strength,
			"reason":    reason,
		},
	})
}

// PublishDecision publishes the outcome of one asset's decision step.
func (eb *EventBus) PublishDecision(asset, direction string, confidence float64, provider, reasoning string, traded bool) {
	eb.Publish(Event{
		Type: EventDecisionMade,
		Data: map[string]interface{}{
			"asset":      asset,
			"direction":  direction,
			"confidence": confidence,
			"provider":   provider,
			"reasoning":  reasoning,
			"traded":     traded,
		},
	})
}

// PublishTradePlaced publishes a submitted trade.
func (eb *EventBus) PublishTradePlaced(tradeID, asset, direction, amount string, confidence float64) {
	eb.Publish(Event{
		Type: EventTradePlaced,
		Data: map[string]interface{}{
			"trade_id":   tradeID,
			"asset":      asset,
			"direction":  direction,
			"amount":     amount,
			"confidence": confidence,
		},
	})
}

// PublishTradeSettled publishes a settled trade outcome.
func (eb *EventBus) PublishTradeSettled(tradeID, profit string, win bool) {
	eb.Publish(Event{
		Type: EventTradeSettled,
		Data: map[string]interface{}{
			"trade_id": tradeID,
			"profit":   profit,
			"win":      win,
		},
	})
}

// PublishProviderFailure publishes one failed provider attempt from the
// gateway, so listeners can track which providers are misbehaving.
func (eb *EventBus) PublishProviderFailure(provider, kind, detail string) {
	eb.Publish(Event{
		Type: EventProviderFailed,
		Data: map[string]interface{}{
			"provider": provider,
			"kind":     kind,
			"detail":   detail,
		},
	})
}

// PublishError publishes a downgraded failure with its context, so operators
// can tell "no signal" apart from "a dependency failed".
func (eb *EventBus) PublishError(source, asset, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if asset != "" {
		data["asset"] = asset
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
