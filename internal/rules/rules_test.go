package rules

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/trust"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func porchRule(personID string) Rule {
	return Rule{
		Name:          "porch light on arrival",
		TriggerEntity: "person.alice",
		TriggerState:  "home",
		ActionKind:    trust.KindSetLight,
		ActionParams:  map[string]any{"entity_id": "light.porch", "state": "on"},
		PersonID:      personID,
		Enabled:       true,
	}
}

func TestStoreAddListRemove(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Add(porchRule("p1"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.ID == "" {
		t.Fatal("Add should assign an ID")
	}

	rules, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "porch light on arrival" {
		t.Errorf("rules = %+v", rules)
	}
	if got := rules[0].ActionParams["entity_id"]; got != "light.porch" {
		t.Errorf("params round trip: entity_id = %v", got)
	}

	if err := s.Remove(added.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(added.ID); err == nil {
		t.Error("removing a missing rule should error")
	}
}

func TestStoreAddValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add(Rule{Name: "incomplete"}); err == nil {
		t.Error("incomplete rule should be rejected")
	}
}

func TestMatchingEnabled(t *testing.T) {
	s := newTestStore(t)

	r1, _ := s.Add(porchRule("p1"))

	anyState := porchRule("p1")
	anyState.Name = "announce any change"
	anyState.TriggerState = ""
	s.Add(anyState)

	matched, err := s.MatchingEnabled("person.alice", "home")
	if err != nil {
		t.Fatalf("MatchingEnabled: %v", err)
	}
	if len(matched) != 2 {
		t.Errorf("matched = %d, want 2 (exact + wildcard state)", len(matched))
	}

	matched, _ = s.MatchingEnabled("person.alice", "not_home")
	if len(matched) != 1 {
		t.Errorf("matched = %d, want 1 (wildcard only)", len(matched))
	}

	s.SetEnabled(r1.ID, false)
	matched, _ = s.MatchingEnabled("person.alice", "home")
	if len(matched) != 1 {
		t.Errorf("disabled rule still matched, got %d", len(matched))
	}
}

// directoryStub returns a scripted person per ID.
type directoryStub struct {
	people map[string]trust.Person
}

func (d *directoryStub) Lookup(id string) (trust.Person, error) {
	if p, ok := d.people[id]; ok {
		return p, nil
	}
	return trust.GuestPerson(), nil
}

type countingHub struct {
	calls int
}

func (c *countingHub) CallService(context.Context, string, string, map[string]any) error {
	c.calls++
	return nil
}

func newTestEngine(t *testing.T, store *Store, dir PersonLookup, hub *countingHub) *Engine {
	t.Helper()
	holder := trust.NewHolder(trust.DefaultPolicy())
	trustEngine := trust.NewEngine(holder, nil)
	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 100}, nil, nil)
	exec := executor.New(trustEngine, hub, nil, breakers, nil, nil)
	return NewEngine(store, dir, exec, nil, nil)
}

func TestEngineFiresMatchingRule(t *testing.T) {
	store := newTestStore(t)
	store.Add(porchRule("p1"))

	dir := &directoryStub{people: map[string]trust.Person{
		"p1": {ID: "p1", Name: "Alice", Level: trust.Member, Autonomy: 3},
	}}
	hub := &countingHub{}
	e := newTestEngine(t, store, dir, hub)

	e.HandleStateChange("person.alice", "not_home", "home")
	if hub.calls != 1 {
		t.Errorf("hub calls = %d, want 1", hub.calls)
	}

	// No-change and non-matching events do nothing.
	e.HandleStateChange("person.alice", "home", "home")
	e.HandleStateChange("person.bob", "not_home", "home")
	if hub.calls != 1 {
		t.Errorf("hub calls = %d after non-matching events, want 1", hub.calls)
	}
}

func TestEngineReauthorizesAtFireTime(t *testing.T) {
	// The rule owner was demoted to Guest after authoring the rule;
	// the light action must be denied when the rule fires.
	store := newTestStore(t)
	store.Add(porchRule("p1"))

	dir := &directoryStub{people: map[string]trust.Person{}} // p1 now unknown → Guest
	hub := &countingHub{}
	e := newTestEngine(t, store, dir, hub)

	e.HandleStateChange("person.alice", "not_home", "home")
	if hub.calls != 0 {
		t.Errorf("demoted owner's rule still reached the hub, calls = %d", hub.calls)
	}
}
