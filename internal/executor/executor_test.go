package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/trust"
)

// fakeHub records service calls and can be scripted to fail.
type fakeHub struct {
	calls []string
	err   error
}

func (f *fakeHub) CallService(_ context.Context, domain, service string, data map[string]any) error {
	entity, _ := data["entity_id"].(string)
	f.calls = append(f.calls, fmt.Sprintf("%s.%s %s", domain, service, entity))
	return f.err
}

// fakeSink records announcements.
type fakeSink struct {
	announcements []string
	err           error
}

func (f *fakeSink) Announce(_ context.Context, room, message, urgency string) error {
	f.announcements = append(f.announcements, fmt.Sprintf("[%s/%s] %s", room, urgency, message))
	return f.err
}

func owner() trust.Person {
	return trust.Person{ID: "p1", Name: "Alice", Level: trust.Owner, Autonomy: 5}
}

func member() trust.Person {
	return trust.Person{ID: "p2", Name: "Bob", Level: trust.Member, Autonomy: 3}
}

func newTestExecutor(t *testing.T, hub *fakeHub, sink *fakeSink) *Executor {
	t.Helper()
	engine := trust.NewEngine(trust.NewHolder(trust.DefaultPolicy()), nil)
	breakers := breaker.NewSet(breaker.DefaultConfig(), nil, nil)
	var s Sink
	if sink != nil {
		s = sink
	}
	return New(engine, hub, s, breakers, nil, nil)
}

func TestExecuteAllowedAction(t *testing.T) {
	hub := &fakeHub{}
	x := newTestExecutor(t, hub, nil)

	call := NewCall(trust.KindSetLight, map[string]any{
		"entity_id": "light.kitchen",
		"state":     "on",
	}, member(), trust.Situation{})

	effect, err := x.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(hub.calls) != 1 || hub.calls[0] != "light.turn_on light.kitchen" {
		t.Errorf("hub calls = %v", hub.calls)
	}
	if effect.EntityID != "light.kitchen" {
		t.Errorf("effect entity = %q", effect.EntityID)
	}
}

func TestExecuteDeniedNeverReachesHub(t *testing.T) {
	hub := &fakeHub{}
	x := newTestExecutor(t, hub, nil)

	// A guest may not unlock doors.
	call := NewCall(trust.KindUnlockDoor, map[string]any{
		"entity_id": "lock.front_door",
	}, trust.GuestPerson(), trust.Situation{})

	_, err := x.Execute(context.Background(), call)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
	if len(hub.calls) != 0 {
		t.Errorf("hub was called on a denied action: %v", hub.calls)
	}
}

func TestExecuteHighRiskNeedsConfirmation(t *testing.T) {
	hub := &fakeHub{}
	x := newTestExecutor(t, hub, nil)

	call := NewCall(trust.KindUnlockDoor, map[string]any{
		"entity_id": "lock.front_door",
	}, owner(), trust.Situation{})

	_, err := x.Execute(context.Background(), call)
	var confirm *ConfirmationRequiredError
	if !errors.As(err, &confirm) {
		t.Fatalf("err = %v, want ConfirmationRequiredError", err)
	}
	if len(hub.calls) != 0 {
		t.Errorf("hub was called before confirmation: %v", hub.calls)
	}

	// Same call with confirmation proceeds.
	call.Situation.Confirmed = true
	if _, err := x.Execute(context.Background(), call); err != nil {
		t.Fatalf("confirmed Execute: %v", err)
	}
	if len(hub.calls) != 1 {
		t.Errorf("hub calls = %v, want one unlock", hub.calls)
	}
}

func TestExecuteValidationRejectsBeforeTrust(t *testing.T) {
	hub := &fakeHub{}
	x := newTestExecutor(t, hub, nil)

	tests := []struct {
		name   string
		kind   string
		params map[string]any
	}{
		{"missing entity", trust.KindSetLight, map[string]any{"state": "on"}},
		{"wrong domain", trust.KindSetLight, map[string]any{"entity_id": "switch.fan", "state": "on"}},
		{"bad state", trust.KindSetSwitch, map[string]any{"entity_id": "switch.fan", "state": "toggle"}},
		{"setpoint too low", trust.KindSetClimate, map[string]any{"entity_id": "climate.living", "temperature": 10.0}},
		{"setpoint too high", trust.KindSetClimate, map[string]any{"entity_id": "climate.living", "temperature": 35.0}},
		{"setpoint not numeric", trust.KindSetClimate, map[string]any{"entity_id": "climate.living", "temperature": "hot"}},
		{"brightness out of range", trust.KindSetLight, map[string]any{"entity_id": "light.kitchen", "state": "on", "brightness": 999}},
		{"empty notify message", trust.KindNotify, map[string]any{"message": "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := NewCall(tt.kind, tt.params, owner(), trust.Situation{Confirmed: true})
			_, err := x.Execute(context.Background(), call)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	if len(hub.calls) != 0 {
		t.Errorf("hub was called on invalid input: %v", hub.calls)
	}
}

func TestExecuteHubFailureWrapped(t *testing.T) {
	hub := &fakeHub{err: errors.New("service call failed")}
	x := newTestExecutor(t, hub, nil)

	call := NewCall(trust.KindSetLight, map[string]any{
		"entity_id": "light.kitchen",
		"state":     "on",
	}, member(), trust.Situation{})

	_, err := x.Execute(context.Background(), call)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
}

func TestExecuteBreakerOpenFailsFast(t *testing.T) {
	hub := &fakeHub{err: errors.New("hub down")}
	engine := trust.NewEngine(trust.NewHolder(trust.DefaultPolicy()), nil)
	cfg := breaker.Config{FailureThreshold: 2, Window: time.Minute, Cooloff: 30 * time.Second}
	breakers := breaker.NewSet(cfg, nil, nil)
	x := New(engine, hub, nil, breakers, nil, nil)

	call := NewCall(trust.KindSetLight, map[string]any{
		"entity_id": "light.kitchen",
		"state":     "on",
	}, member(), trust.Situation{})

	// Trip the hub breaker.
	x.Execute(context.Background(), call)
	x.Execute(context.Background(), call)

	callsBefore := len(hub.calls)
	_, err := x.Execute(context.Background(), call)
	var unavail *breaker.UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	if unavail.Dependency != breaker.DepHub {
		t.Errorf("dependency = %q, want hub", unavail.Dependency)
	}
	if len(hub.calls) != callsBefore {
		t.Error("hub was called while its breaker was open")
	}
}

func TestExecuteNotify(t *testing.T) {
	sink := &fakeSink{}
	x := newTestExecutor(t, &fakeHub{}, sink)

	call := NewCall(trust.KindNotify, map[string]any{
		"message": "the laundry is done",
		"urgency": "low",
		"room":    "kitchen",
	}, member(), trust.Situation{})

	effect, err := x.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sink.announcements) != 1 || sink.announcements[0] != "[kitchen/low] the laundry is done" {
		t.Errorf("announcements = %v", sink.announcements)
	}
	if effect.Summary != "announced to kitchen" {
		t.Errorf("summary = %q", effect.Summary)
	}
}

func TestExecuteNotifyWithoutSink(t *testing.T) {
	x := newTestExecutor(t, &fakeHub{}, nil)

	call := NewCall(trust.KindNotify, map[string]any{"message": "hello"}, member(), trust.Situation{})
	_, err := x.Execute(context.Background(), call)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
}

func TestServiceForMapping(t *testing.T) {
	tests := []struct {
		kind        string
		params      map[string]any
		wantDomain  string
		wantService string
	}{
		{trust.KindSetLight, map[string]any{"state": "off"}, "light", "turn_off"},
		{trust.KindSetSwitch, map[string]any{"state": "on"}, "switch", "turn_on"},
		{trust.KindSetClimate, nil, "climate", "set_temperature"},
		{trust.KindRunScene, nil, "scene", "turn_on"},
		{trust.KindLockDoor, nil, "lock", "lock"},
		{trust.KindUnlockDoor, nil, "lock", "unlock"},
		{trust.KindArmAlarm, nil, "alarm_control_panel", "alarm_arm_away"},
		{trust.KindDisarmAlarm, nil, "alarm_control_panel", "alarm_disarm"},
	}

	for _, tt := range tests {
		domain, service, err := serviceFor(tt.kind, tt.params)
		if err != nil {
			t.Errorf("serviceFor(%s): %v", tt.kind, err)
			continue
		}
		if domain != tt.wantDomain || service != tt.wantService {
			t.Errorf("serviceFor(%s) = %s.%s, want %s.%s", tt.kind, domain, service, tt.wantDomain, tt.wantService)
		}
	}

	if _, _, err := serviceFor("teleport", nil); err == nil {
		t.Error("unknown kind should not map to a service")
	}
}

// syncHub is a concurrency-safe recording hub.
type syncHub struct {
	mu    sync.Mutex
	calls []string
}

func (f *syncHub) CallService(_ context.Context, domain, service string, data map[string]any) error {
	entity, _ := data["entity_id"].(string)
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s.%s %s", domain, service, entity))
	f.mu.Unlock()
	return nil
}

func TestConcurrentGuestAndOwnerLockAction(t *testing.T) {
	hub := &syncHub{}
	engine := trust.NewEngine(trust.NewHolder(trust.DefaultPolicy()), nil)
	breakers := breaker.NewSet(breaker.DefaultConfig(), nil, nil)
	x := New(engine, hub, nil, breakers, nil, nil)

	guest := trust.GuestPerson()
	params := map[string]any{"entity_id": "lock.front_door"}

	// Arrival order must not change either outcome.
	for i := 0; i < 10; i++ {
		var wg sync.WaitGroup
		var guestErr, ownerErr error
		var ownerEffect *Effect

		wg.Add(2)
		go func() {
			defer wg.Done()
			_, guestErr = x.Execute(context.Background(),
				NewCall(trust.KindUnlockDoor, params, guest, trust.Situation{Confirmed: true}))
		}()
		go func() {
			defer wg.Done()
			ownerEffect, ownerErr = x.Execute(context.Background(),
				NewCall(trust.KindUnlockDoor, params, owner(), trust.Situation{Confirmed: true}))
		}()
		wg.Wait()

		var forbidden *ForbiddenError
		if !errors.As(guestErr, &forbidden) {
			t.Fatalf("iteration %d: guest err = %v, want ForbiddenError", i, guestErr)
		}
		if ownerErr != nil {
			t.Fatalf("iteration %d: owner err = %v", i, ownerErr)
		}
		if ownerEffect == nil {
			t.Fatalf("iteration %d: owner got no effect", i)
		}
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.calls) != 10 {
		t.Errorf("hub calls = %d, want 10 (owner only)", len(hub.calls))
	}
}
