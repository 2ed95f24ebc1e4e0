package hub

import (
	"testing"
	"time"
)

func TestEntityFilterMatch(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		entityID string
		want     bool
	}{
		{"exact match", []string{"light.kitchen"}, "light.kitchen", true},
		{"glob domain", []string{"light.*"}, "light.hallway", true},
		{"glob no match", []string{"light.*"}, "switch.fan", false},
		{"multiple patterns", []string{"light.*", "binary_sensor.*"}, "binary_sensor.front_door", true},
		{"empty patterns", nil, "light.kitchen", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewEntityFilter(tt.patterns)
			if got := f.Match(tt.entityID); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.entityID, got, tt.want)
			}
		})
	}
}

func TestEntityRateLimiter(t *testing.T) {
	l := NewEntityRateLimiter(2)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("sensor.power") {
		t.Fatal("first event should pass")
	}
	if !l.Allow("sensor.power") {
		t.Fatal("second event should pass")
	}
	if l.Allow("sensor.power") {
		t.Fatal("third event within a minute should be limited")
	}

	// A different entity has its own budget.
	if !l.Allow("sensor.temp") {
		t.Fatal("other entity should not be limited")
	}

	// After the window slides, the entity recovers.
	now = now.Add(61 * time.Second)
	if !l.Allow("sensor.power") {
		t.Fatal("event after window expiry should pass")
	}
}

func TestEntityRateLimiterDisabled(t *testing.T) {
	l := NewEntityRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !l.Allow("sensor.power") {
			t.Fatal("disabled limiter should never block")
		}
	}
}

func TestStateWatcherHandleEvent(t *testing.T) {
	var gotEntity, gotOld, gotNew string
	calls := 0

	w := NewStateWatcher(nil, NewEntityFilter([]string{"light.*"}), nil,
		func(entityID, oldState, newState string) {
			calls++
			gotEntity, gotOld, gotNew = entityID, oldState, newState
		}, nil)

	w.handleEvent(Event{
		Type: "state_changed",
		Data: []byte(`{"entity_id":"light.kitchen","old_state":{"state":"off"},"new_state":{"state":"on"}}`),
	})
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if gotEntity != "light.kitchen" || gotOld != "off" || gotNew != "on" {
		t.Errorf("got (%q, %q, %q), want (light.kitchen, off, on)", gotEntity, gotOld, gotNew)
	}

	// Non-matching entity is dropped.
	w.handleEvent(Event{
		Type: "state_changed",
		Data: []byte(`{"entity_id":"switch.fan","old_state":{"state":"off"},"new_state":{"state":"on"}}`),
	})
	if calls != 1 {
		t.Errorf("non-matching entity reached handler, calls = %d", calls)
	}

	// Removed entity (nil new_state) is dropped.
	w.handleEvent(Event{
		Type: "state_changed",
		Data: []byte(`{"entity_id":"light.kitchen","old_state":{"state":"on"},"new_state":null}`),
	})
	if calls != 1 {
		t.Errorf("removed entity reached handler, calls = %d", calls)
	}

	// Non-state_changed event types are ignored.
	w.handleEvent(Event{Type: "call_service", Data: []byte(`{}`)})
	if calls != 1 {
		t.Errorf("unrelated event reached handler, calls = %d", calls)
	}
}

func TestStateWatcherRateLimited(t *testing.T) {
	calls := 0
	limiter := NewEntityRateLimiter(1)

	w := NewStateWatcher(nil, NewEntityFilter([]string{"sensor.*"}), limiter,
		func(entityID, oldState, newState string) { calls++ }, nil)

	ev := Event{
		Type: "state_changed",
		Data: []byte(`{"entity_id":"sensor.power","new_state":{"state":"42"}}`),
	}
	w.handleEvent(ev)
	w.handleEvent(ev)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (second event rate limited)", calls)
	}
}
