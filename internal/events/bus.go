// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestrator, planner,
// dispatcher, executor, rules engine) to subscribers (WebSocket handler,
// tests). The bus is nil-safe: calling Publish on a nil *Bus is a no-op,
// so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the request pipeline.
	SourceOrchestrator = "orchestrator"
	// SourceDispatcher identifies events from the proactive dispatcher.
	SourceDispatcher = "dispatcher"
	// SourceExecutor identifies events from the action executor.
	SourceExecutor = "executor"
	// SourcePlanner identifies events from plan execution.
	SourcePlanner = "planner"
	// SourceRules identifies events from the rules engine.
	SourceRules = "rules"
	// SourceBreaker identifies breaker state transitions.
	SourceBreaker = "breaker"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an orchestrated request.
	// Data: request_id, person, room.
	KindRequestStart = "request_start"
	// KindModelCall signals the start of a model invocation.
	// Data: request_id, model, attempt.
	KindModelCall = "model_call"
	// KindModelResponse signals completion of a model invocation.
	// Data: request_id, model, tool_calls, tokens_in, tokens_out.
	KindModelResponse = "model_response"
	// KindRequestComplete signals the end of an orchestrated request.
	// Data: request_id, outcome, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindActionExecuted signals a hub action completed.
	// Data: request_id, action, entity_id, ok.
	KindActionExecuted = "action_executed"
	// KindActionDenied signals a trust decision blocked an action.
	// Data: request_id, action, decision, reason.
	KindActionDenied = "action_denied"

	// KindPlanStart signals plan execution began.
	// Data: plan_id, steps.
	KindPlanStart = "plan_start"
	// KindPlanComplete signals plan execution finished.
	// Data: plan_id, outcome, rolled_back.
	KindPlanComplete = "plan_complete"

	// KindEventReceived signals a proactive event entered the dispatcher.
	// Data: event_id, kind, urgency, room.
	KindEventReceived = "event_received"
	// KindEventSuppressed signals a proactive event was filtered out.
	// Data: event_id, kind, reason.
	KindEventSuppressed = "event_suppressed"
	// KindEventDelivered signals a proactive notification was delivered.
	// Data: event_id, kind, urgency.
	KindEventDelivered = "event_delivered"

	// KindRuleFired signals a rule's condition matched and its action ran.
	// Data: rule_id, rule_name, ok.
	KindRuleFired = "rule_fired"

	// KindBreakerOpen signals a breaker tripped open.
	// Data: dependency.
	KindBreakerOpen = "breaker_open"
	// KindBreakerClosed signals a breaker recovered.
	// Data: dependency.
	KindBreakerClosed = "breaker_closed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
