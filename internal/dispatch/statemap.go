package dispatch

import (
	"strings"
	"time"
)

// stateTriggers maps entity name keywords to proactive event kinds.
// First match wins, so more specific keywords come before generic ones.
var stateTriggers = []struct {
	keyword string
	kind    string
	urgency Urgency
}{
	{"smoke", "smoke", Critical},
	{"co2", "smoke", Critical},
	{"leak", "water-leak", High},
	{"flood", "water-leak", High},
	{"doorbell", "doorbell", Medium},
	{"motion", "motion", Low},
	{"door", "door-open", Low},
	{"window", "window-open", Low},
}

// FromStateChange translates a hub entity state change into a
// proactive event. Only binary_sensor entities turning "on" produce
// events; everything else reports false. The room is guessed from the
// leading token of the entity name ("binary_sensor.kitchen_smoke" →
// kitchen).
func FromStateChange(entityID, oldState, newState string) (Event, bool) {
	domain, name, ok := strings.Cut(entityID, ".")
	if !ok || domain != "binary_sensor" {
		return Event{}, false
	}
	if newState != "on" || oldState == newState {
		return Event{}, false
	}

	for _, tr := range stateTriggers {
		if !strings.Contains(name, tr.keyword) {
			continue
		}
		room := ""
		if head, _, found := strings.Cut(name, "_"); found && head != tr.keyword {
			room = head
		}
		return Event{
			Kind:    tr.kind,
			Room:    room,
			Urgency: tr.urgency,
			At:      time.Now(),
		}, true
	}
	return Event{}, false
}
