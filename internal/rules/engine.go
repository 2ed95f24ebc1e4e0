package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/trust"
)

// PersonLookup reads a trust record fresh from the directory.
type PersonLookup interface {
	Lookup(id string) (trust.Person, error)
}

// Engine fires stored rules on hub state changes. Each firing builds a
// fresh executor call under the rule owner's current trust record, so
// authorization reflects the directory and policy at fire time, never
// at rule-creation time.
type Engine struct {
	store     *Store
	directory PersonLookup
	exec      *executor.Executor
	bus       *events.Bus
	logger    *slog.Logger

	// Executions run detached from the triggering event but bounded.
	fireTimeout time.Duration
}

// NewEngine creates a rules engine.
func NewEngine(store *Store, directory PersonLookup, exec *executor.Executor, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		directory:   directory,
		exec:        exec,
		bus:         bus,
		logger:      logger,
		fireTimeout: time.Minute,
	}
}

// HandleStateChange fires matching rules for a hub state change.
// Matches the hub.StateChangeHandler signature.
func (e *Engine) HandleStateChange(entityID, oldState, newState string) {
	if oldState == newState {
		return
	}

	matched, err := e.store.MatchingEnabled(entityID, newState)
	if err != nil {
		e.logger.Error("rule lookup failed", "entity_id", entityID, "error", err)
		return
	}

	for _, rule := range matched {
		e.fire(rule)
	}
}

func (e *Engine) fire(rule Rule) {
	person, err := e.directory.Lookup(rule.PersonID)
	if err != nil {
		e.logger.Warn("rule owner lookup degraded", "rule", rule.ID, "person", rule.PersonID, "error", err)
		// Lookup already resolved to Guest on failure; proceed with
		// whatever authority that leaves the rule.
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.fireTimeout)
	defer cancel()

	call := executor.NewCall(rule.ActionKind, rule.ActionParams, person, trust.Situation{Proactive: true})
	if _, err := e.exec.Execute(ctx, call); err != nil {
		e.logger.Warn("rule action blocked or failed",
			"rule", rule.ID,
			"name", rule.Name,
			"action", rule.ActionKind,
			"error", err,
		)
		return
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRules,
		Kind:      events.KindRuleFired,
		Data:      map[string]any{"rule_id": rule.ID, "name": rule.Name, "action": rule.ActionKind},
	})

	e.logger.Info("rule fired", "rule", rule.ID, "name", rule.Name, "action", rule.ActionKind)
}
