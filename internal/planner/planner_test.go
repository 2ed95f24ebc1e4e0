package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/trust"
)

// scriptedHub fails service calls whose entity matches failEntity.
type scriptedHub struct {
	mu         sync.Mutex
	calls      []string
	failEntity string
}

func (f *scriptedHub) CallService(_ context.Context, domain, service string, data map[string]any) error {
	entity, _ := data["entity_id"].(string)

	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s.%s %s", domain, service, entity))
	f.mu.Unlock()

	if entity == f.failEntity {
		return errors.New("device unreachable")
	}
	return nil
}

func (f *scriptedHub) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func owner() trust.Person {
	return trust.Person{ID: "p1", Name: "Alice", Level: trust.Owner, Autonomy: 5}
}

func newTestPlanner(t *testing.T, hub *scriptedHub) (*Planner, *trust.Holder) {
	t.Helper()
	holder := trust.NewHolder(trust.DefaultPolicy())
	engine := trust.NewEngine(holder, nil)
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 100}, nil, nil)
	exec := executor.New(engine, hub, nil, breakers, nil, nil)
	return New(exec, holder, nil, nil), holder
}

func lightCall(entity, state string, confirmed bool) executor.Call {
	return executor.NewCall(trust.KindSetLight, map[string]any{
		"entity_id": entity,
		"state":     state,
	}, owner(), trust.Situation{Confirmed: confirmed})
}

func TestBuildDependencyEdges(t *testing.T) {
	p, _ := newTestPlanner(t, &scriptedHub{})

	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		lightCall("light.hallway", "on", false),
		lightCall("light.kitchen", "off", false),
	})

	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(plan.Steps))
	}
	if len(plan.Steps[0].DependsOn) != 0 || len(plan.Steps[1].DependsOn) != 0 {
		t.Error("distinct entities should be independent")
	}
	if len(plan.Steps[2].DependsOn) != 1 || plan.Steps[2].DependsOn[0] != plan.Steps[0].ID {
		t.Errorf("second kitchen step should depend on the first, got %v", plan.Steps[2].DependsOn)
	}
}

func TestBuildRiskAndUndo(t *testing.T) {
	p, _ := newTestPlanner(t, &scriptedHub{})

	unlock := executor.NewCall(trust.KindUnlockDoor, map[string]any{
		"entity_id": "lock.front_door",
	}, owner(), trust.Situation{})

	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		unlock,
	})

	if plan.Steps[0].Risk != trust.RiskLow {
		t.Errorf("light risk = %v, want low", plan.Steps[0].Risk)
	}
	if plan.Steps[0].Undo == nil {
		t.Error("light step should be reversible")
	} else if got, _ := plan.Steps[0].Undo.Params["state"].(string); got != "off" {
		t.Errorf("light undo state = %q, want off", got)
	}

	if plan.Steps[1].Risk != trust.RiskHigh {
		t.Errorf("unlock risk = %v, want high", plan.Steps[1].Risk)
	}
	if plan.Steps[1].Undo != nil {
		t.Error("unlock must be irreversible")
	}
	if !plan.HasHighRisk() {
		t.Error("plan should report high risk")
	}
}

func TestExecuteAllSucceed(t *testing.T) {
	hub := &scriptedHub{}
	p, _ := newTestPlanner(t, hub)

	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		lightCall("light.hallway", "on", false),
	})

	result, err := p.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Failed {
		t.Error("plan should not be failed")
	}
	for _, o := range result.Outcomes {
		if o.Status != StatusSucceeded {
			t.Errorf("step %s status = %q, want succeeded", o.StepID, o.Status)
		}
	}
	if hub.callCount() != 2 {
		t.Errorf("hub calls = %d, want 2", hub.callCount())
	}
}

func TestExecuteHighRiskPlanPausesBeforeAnyStep(t *testing.T) {
	hub := &scriptedHub{}
	p, _ := newTestPlanner(t, hub)

	unlock := executor.NewCall(trust.KindUnlockDoor, map[string]any{
		"entity_id": "lock.front_door",
	}, owner(), trust.Situation{})

	plan := p.Build("req1", []executor.Call{
		lightCall("light.porch", "on", false),
		unlock,
	})

	_, err := p.Execute(context.Background(), plan)
	var confirm *executor.ConfirmationRequiredError
	if !errors.As(err, &confirm) {
		t.Fatalf("err = %v, want ConfirmationRequiredError", err)
	}
	if hub.callCount() != 0 {
		t.Errorf("no step may run before confirmation, hub calls = %v", hub.calls)
	}

	// Confirmed plan runs, including the low-risk step.
	unlock.Situation.Confirmed = true
	plan = p.Build("req1", []executor.Call{
		lightCall("light.porch", "on", true),
		unlock,
	})
	result, err := p.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("confirmed Execute: %v", err)
	}
	if result.Failed {
		t.Errorf("confirmed plan failed: %+v", result.Outcomes)
	}
	if hub.callCount() != 2 {
		t.Errorf("hub calls = %d, want 2", hub.callCount())
	}
}

func TestExecuteFailureRollsBackReversedAndSkipsRest(t *testing.T) {
	hub := &scriptedHub{failEntity: "light.hallway"}
	p, _ := newTestPlanner(t, hub)

	// Three distinct entities, forced sequential so the middle step
	// fails after the first completed.
	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		lightCall("light.hallway", "on", false),
		lightCall("light.study", "on", false),
	})
	plan.Steps[1].DependsOn = []string{plan.Steps[0].ID}
	plan.Steps[2].DependsOn = []string{plan.Steps[1].ID}

	result, err := p.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Failed {
		t.Fatal("plan should be failed")
	}

	byStatus := map[string]string{}
	for i, o := range result.Outcomes {
		byStatus[fmt.Sprintf("step%d", i)] = o.Status
	}
	if byStatus["step0"] != StatusRolledBack {
		t.Errorf("kitchen = %q, want rolled-back", byStatus["step0"])
	}
	if byStatus["step1"] != StatusFailed {
		t.Errorf("hallway = %q, want failed", byStatus["step1"])
	}
	if byStatus["step2"] != StatusSkipped {
		t.Errorf("study = %q, want skipped", byStatus["step2"])
	}

	// The rollback call is the inverse of the completed step.
	found := false
	hub.mu.Lock()
	for _, c := range hub.calls {
		if c == "light.turn_off light.kitchen" {
			found = true
		}
	}
	hub.mu.Unlock()
	if !found {
		t.Errorf("expected rollback call turn_off kitchen, calls = %v", hub.calls)
	}
}

func TestExecuteDependentOnFailedIsSkipped(t *testing.T) {
	hub := &scriptedHub{failEntity: "light.kitchen"}
	p, _ := newTestPlanner(t, hub)

	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		lightCall("light.kitchen", "off", false), // depends on step 0
	})

	result, err := p.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := result.Outcomes[1].Status; got != StatusSkipped {
		t.Errorf("dependent step = %q, want skipped", got)
	}
}

func TestExecuteIndependentStepsRunConcurrently(t *testing.T) {
	// Each call blocks until released; seeing both arrive proves the
	// two steps were in flight at the same time.
	arrived := make(chan struct{}, 2)
	block := make(chan struct{})

	holder := trust.NewHolder(trust.DefaultPolicy())
	engine := trust.NewEngine(holder, nil)
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 100}, nil, nil)

	caller := serviceCallerFunc(func(ctx context.Context, domain, service string, data map[string]any) error {
		arrived <- struct{}{}
		<-block
		return nil
	})
	exec := executor.New(engine, caller, nil, breakers, nil, nil)
	p := New(exec, holder, nil, nil)

	plan := p.Build("req1", []executor.Call{
		lightCall("light.kitchen", "on", false),
		lightCall("light.hallway", "on", false),
	})

	done := make(chan struct{})
	go func() {
		p.Execute(context.Background(), plan)
		close(done)
	}()

	// Both steps arrive without either completing.
	<-arrived
	<-arrived
	close(block)
	<-done
}

type serviceCallerFunc func(ctx context.Context, domain, service string, data map[string]any) error

func (f serviceCallerFunc) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	return f(ctx, domain, service, data)
}

func TestUndoIsIdempotent(t *testing.T) {
	hub := &scriptedHub{}
	p, _ := newTestPlanner(t, hub)

	plan := p.Build("req-1", []executor.Call{lightCall("light.kitchen", "on", false)})
	undo := plan.Steps[0].Undo
	if undo == nil {
		t.Fatal("light step has no undo")
	}

	// A retried rollback may run the same undo twice; both runs must
	// issue the identical state set.
	for i := 0; i < 2; i++ {
		if _, err := p.exec.Execute(context.Background(), *undo); err != nil {
			t.Fatalf("undo run %d: %v", i+1, err)
		}
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.calls) != 2 {
		t.Fatalf("hub calls = %d, want 2", len(hub.calls))
	}
	if hub.calls[0] != hub.calls[1] {
		t.Errorf("undo runs differ: %q vs %q", hub.calls[0], hub.calls[1])
	}
	if hub.calls[0] != "light.turn_off light.kitchen" {
		t.Errorf("undo call = %q, want light.turn_off light.kitchen", hub.calls[0])
	}
}
