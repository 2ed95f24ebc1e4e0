// Package planner turns a multi-step request into an executable plan:
// per-step risk, dependency edges, and a declared undo mapping. Plan
// execution runs independent steps concurrently, pauses whole plans
// containing any high-risk step until confirmed, and rolls back
// completed reversible steps in reverse order when a later step fails.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/trust"
)

// Step is one action within a plan.
type Step struct {
	ID        string
	Call      executor.Call
	DependsOn []string // step IDs that must succeed first
	Risk      trust.Risk
	Undo      *executor.Call // nil means irreversible
}

// Plan is an ordered set of steps derived from one request.
type Plan struct {
	ID        string
	RequestID string
	Steps     []*Step
}

// HasHighRisk reports whether any step carries high risk.
func (p *Plan) HasHighRisk() bool {
	for _, s := range p.Steps {
		if s.Risk == trust.RiskHigh {
			return true
		}
	}
	return false
}

// Step status values in a PlanResult.
const (
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled-back"
	StatusSkipped    = "skipped"
)

// StepOutcome reports what happened to one step.
type StepOutcome struct {
	StepID string
	Kind   string
	Status string
	Detail string
}

// PlanResult enumerates the outcome of every step. Partial completion
// is reported honestly: irreversible completed steps stay "succeeded"
// even when the plan as a whole failed.
type PlanResult struct {
	PlanID   string
	Outcomes []StepOutcome
	Failed   bool
}

// Planner builds and executes plans.
type Planner struct {
	exec   *executor.Executor
	holder *trust.Holder
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a planner.
func New(exec *executor.Executor, holder *trust.Holder, bus *events.Bus, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{exec: exec, holder: holder, bus: bus, logger: logger}
}

// Build assembles a plan from resolved calls. Risk is read from the
// current policy snapshot for display and the whole-plan confirmation
// gate; the executor re-authorizes each step at execution time
// regardless. Steps touching the same entity are ordered; all other
// steps are independent.
func (p *Planner) Build(requestID string, calls []executor.Call) *Plan {
	policy := p.holder.Current()

	plan := &Plan{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Steps:     make([]*Step, 0, len(calls)),
	}

	lastForEntity := make(map[string]string) // entity_id → step ID
	for _, call := range calls {
		step := &Step{
			ID:   uuid.NewString(),
			Call: call,
			Risk: policy.RiskFor(call.Kind, call.Params),
			Undo: undoFor(call),
		}

		if entity, _ := call.Params["entity_id"].(string); entity != "" {
			if prev, ok := lastForEntity[entity]; ok {
				step.DependsOn = append(step.DependsOn, prev)
			}
			lastForEntity[entity] = step.ID
		}

		plan.Steps = append(plan.Steps, step)
	}

	return plan
}

// undoFor returns the inverse call for reversible action kinds.
// Lights and switches invert their state. Everything else is treated
// as irreversible: scenes fan out to unknown entities, and undoing a
// lock or alarm action would itself be a security-relevant action.
func undoFor(call executor.Call) *executor.Call {
	switch call.Kind {
	case trust.KindSetLight, trust.KindSetSwitch:
		state, _ := call.Params["state"].(string)
		var inverse string
		switch state {
		case "on":
			inverse = "off"
		case "off":
			inverse = "on"
		default:
			return nil
		}
		undo := executor.NewCall(call.Kind, map[string]any{
			"entity_id": call.Params["entity_id"],
			"state":     inverse,
		}, call.Person, call.Situation)
		return &undo
	default:
		return nil
	}
}

// Execute runs the plan. If any step is high-risk and the situation is
// not confirmed, it returns ConfirmationRequiredError before any step
// runs. Independent steps run concurrently; a step whose dependency
// did not succeed is skipped. On the first failure the remaining steps
// are skipped and completed reversible steps are undone in reverse
// completion order.
func (p *Planner) Execute(ctx context.Context, plan *Plan) (*PlanResult, error) {
	if plan.HasHighRisk() && !allConfirmed(plan) {
		return nil, &executor.ConfirmationRequiredError{
			Kind:   "plan",
			Reason: fmt.Sprintf("plan %s contains a high-risk step", plan.ID),
		}
	}

	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePlanner,
		Kind:      events.KindPlanStart,
		Data:      map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps)},
	})

	run := newPlanRun(plan)

	for {
		runnable := run.runnable()
		if len(runnable) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, step := range runnable {
			wg.Add(1)
			go func(s *Step) {
				defer wg.Done()
				_, err := p.exec.Execute(ctx, s.Call)
				run.settle(s, err)
			}(step)
		}
		wg.Wait()

		if run.failed() {
			break
		}
	}

	run.skipRemaining()

	if run.failed() {
		p.rollback(ctx, run)
	}

	result := run.result()

	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePlanner,
		Kind:      events.KindPlanComplete,
		Data:      map[string]any{"plan_id": plan.ID, "failed": result.Failed},
	})

	return result, nil
}

// rollback undoes completed reversible steps in reverse completion
// order. Undo calls are plain state sets, so re-running one is
// harmless; a failed undo is recorded and rollback continues.
func (p *Planner) rollback(ctx context.Context, run *planRun) {
	completed := run.completedOrder()
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Undo == nil {
			continue
		}

		if _, err := p.exec.Execute(ctx, *step.Undo); err != nil {
			p.logger.Warn("rollback step failed",
				"plan_step", step.ID,
				"action", step.Undo.Kind,
				"error", err,
			)
			run.setDetail(step, StatusSucceeded, fmt.Sprintf("rollback failed: %v", err))
			continue
		}
		run.setDetail(step, StatusRolledBack, "")
	}
}

func allConfirmed(plan *Plan) bool {
	for _, s := range plan.Steps {
		if !s.Call.Situation.Confirmed {
			return false
		}
	}
	return true
}

// planRun tracks per-step status during execution. All mutation goes
// through its mutex since independent steps settle from goroutines.
type planRun struct {
	plan      *Plan
	mu        sync.Mutex
	status    map[string]string // step ID → Status*
	detail    map[string]string
	completed []*Step // completion order of succeeded steps
	hasFailed bool
}

func newPlanRun(plan *Plan) *planRun {
	return &planRun{
		plan:   plan,
		status: make(map[string]string, len(plan.Steps)),
		detail: make(map[string]string, len(plan.Steps)),
	}
}

// runnable returns steps that have not run, whose dependencies have
// all succeeded. Empty once the plan failed.
func (r *planRun) runnable() []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasFailed {
		return nil
	}

	var out []*Step
	for _, s := range r.plan.Steps {
		if _, done := r.status[s.ID]; done {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if r.status[dep] != StatusSucceeded {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

func (r *planRun) settle(s *Step, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.status[s.ID] = StatusFailed
		r.detail[s.ID] = err.Error()
		r.hasFailed = true
		return
	}
	r.status[s.ID] = StatusSucceeded
	r.completed = append(r.completed, s)
}

func (r *planRun) skipRemaining() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.plan.Steps {
		if _, done := r.status[s.ID]; !done {
			r.status[s.ID] = StatusSkipped
		}
	}
}

func (r *planRun) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasFailed
}

func (r *planRun) completedOrder() []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Step, len(r.completed))
	copy(out, r.completed)
	return out
}

func (r *planRun) setDetail(s *Step, status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[s.ID] = status
	if detail != "" {
		r.detail[s.ID] = detail
	}
}

func (r *planRun) result() *PlanResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &PlanResult{PlanID: r.plan.ID, Failed: r.hasFailed}
	for _, s := range r.plan.Steps {
		res.Outcomes = append(res.Outcomes, StepOutcome{
			StepID: s.ID,
			Kind:   s.Call.Kind,
			Status: r.status[s.ID],
			Detail: r.detail[s.ID],
		})
	}
	return res
}
