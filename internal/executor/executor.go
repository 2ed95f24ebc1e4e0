// Package executor performs individual household actions. Every
// execution path funnels through the same sequence: structural
// validation, a fresh trust decision, then the hub call behind its
// circuit breaker. There is no way to reach a device without passing
// the trust engine first.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/trust"
)

// Call is one requested action, fully resolved: who wants it, what
// kind, and with which parameters.
type Call struct {
	ID        string
	Kind      string
	Params    map[string]any
	Person    trust.Person
	Situation trust.Situation
	Room      string
}

// NewCall creates a Call with a fresh ID.
func NewCall(kind string, params map[string]any, person trust.Person, sit trust.Situation) Call {
	return Call{
		ID:        uuid.NewString(),
		Kind:      kind,
		Params:    params,
		Person:    person,
		Situation: sit,
	}
}

// Effect records what an executed action did, for responses, the
// delivery log, and plan rollback bookkeeping.
type Effect struct {
	CallID   string    `json:"call_id"`
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id,omitempty"`
	Summary  string    `json:"summary"`
	At       time.Time `json:"at"`
}

// ServiceCaller abstracts the hub REST client.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Sink delivers spoken or pushed notifications to the household.
type Sink interface {
	Announce(ctx context.Context, room, message, urgency string) error
}

// Executor validates, authorizes, and performs actions.
type Executor struct {
	engine   *trust.Engine
	hub      ServiceCaller
	sink     Sink
	breakers *breaker.Set
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates an executor. The sink may be nil when no notification
// transport is configured; notify actions then fail with an
// ExecutionError rather than silently vanishing.
func New(engine *trust.Engine, hubClient ServiceCaller, sink Sink, breakers *breaker.Set, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine:   engine,
		hub:      hubClient,
		sink:     sink,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
	}
}

// Execute runs one action to completion and reports its effect. The
// caller's context governs the whole call; there is no detached work
// left behind on return.
//
// Error types tell the caller what happened: ValidationError (bad
// shape), ForbiddenError (trust denied), ConfirmationRequiredError
// (high risk, not yet confirmed), breaker.UnavailableError (hub
// circuit open), ExecutionError (device-side failure).
func (x *Executor) Execute(ctx context.Context, call Call) (*Effect, error) {
	if err := validate(call); err != nil {
		return nil, err
	}

	// Trust decision happens here, immediately before the device call.
	// Never earlier: policy or directory changes between planning and
	// execution must be visible.
	decision := x.engine.Authorize(call.Person, call.Kind, call.Params, call.Situation)
	switch decision.Verdict {
	case trust.Deny:
		x.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceExecutor,
			Kind:      events.KindActionDenied,
			Data: map[string]any{
				"call_id": call.ID,
				"action":  call.Kind,
				"person":  call.Person.ID,
				"reason":  decision.Reason,
			},
		})
		return nil, &ForbiddenError{Kind: call.Kind, Person: call.Person.Name, Reason: decision.Reason}
	case trust.NeedsConfirmation:
		return nil, &ConfirmationRequiredError{Kind: call.Kind, Reason: decision.Reason}
	case trust.Allow:
		// proceed
	default:
		return nil, &ForbiddenError{Kind: call.Kind, Person: call.Person.Name, Reason: "unrecognized trust verdict"}
	}

	effect, err := x.perform(ctx, call)
	if err != nil {
		return nil, err
	}

	x.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExecutor,
		Kind:      events.KindActionExecuted,
		Data: map[string]any{
			"call_id": call.ID,
			"action":  call.Kind,
			"person":  call.Person.ID,
			"summary": effect.Summary,
		},
	})

	x.logger.Info("action executed",
		"call_id", call.ID,
		"action", call.Kind,
		"person", call.Person.ID,
		"summary", effect.Summary,
	)

	return effect, nil
}

// perform routes an authorized call to its transport.
func (x *Executor) perform(ctx context.Context, call Call) (*Effect, error) {
	if call.Kind == trust.KindNotify {
		return x.performNotify(ctx, call)
	}

	if x.hub == nil {
		return nil, &ExecutionError{Kind: call.Kind, Err: fmt.Errorf("no hub configured")}
	}

	domain, service, err := serviceFor(call.Kind, call.Params)
	if err != nil {
		return nil, err
	}
	entityID, _ := call.Params["entity_id"].(string)

	data := make(map[string]any, len(call.Params))
	for k, v := range call.Params {
		if k == "state" {
			// Encoded in the service name, not service data.
			continue
		}
		data[k] = v
	}

	hubErr := x.breakers.For(breaker.DepHub).Do(ctx, func(ctx context.Context) error {
		return x.hub.CallService(ctx, domain, service, data)
	})
	if hubErr != nil {
		var unavail *breaker.UnavailableError
		if errors.As(hubErr, &unavail) {
			// Surface the breaker error as-is so callers can degrade.
			return nil, hubErr
		}
		return nil, &ExecutionError{Kind: call.Kind, Err: hubErr}
	}

	return &Effect{
		CallID:   call.ID,
		Kind:     call.Kind,
		EntityID: entityID,
		Summary:  fmt.Sprintf("%s.%s on %s", domain, service, entityID),
		At:       time.Now(),
	}, nil
}

func (x *Executor) performNotify(ctx context.Context, call Call) (*Effect, error) {
	if x.sink == nil {
		return nil, &ExecutionError{Kind: call.Kind, Err: fmt.Errorf("no notification sink configured")}
	}

	message, _ := call.Params["message"].(string)
	urgency, _ := call.Params["urgency"].(string)
	room := call.Room
	if r, ok := call.Params["room"].(string); ok && r != "" {
		room = r
	}

	if err := x.sink.Announce(ctx, room, message, urgency); err != nil {
		return nil, &ExecutionError{Kind: call.Kind, Err: err}
	}

	return &Effect{
		CallID:  call.ID,
		Kind:    call.Kind,
		Summary: fmt.Sprintf("announced to %s", roomOrEverywhere(room)),
		At:      time.Now(),
	}, nil
}

func roomOrEverywhere(room string) string {
	if room == "" {
		return "everywhere"
	}
	return room
}
