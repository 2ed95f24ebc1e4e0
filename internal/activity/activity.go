// Package activity mirrors the household activity classification
// published by the hub. The classifier itself runs elsewhere; this
// package is a read-only consumer that other components snapshot
// per decision, never cache across decisions.
package activity

import (
	"log/slog"
	"sync"
	"time"
)

// Mode is the current household activity classification.
type Mode string

const (
	Awake         Mode = "awake"
	Focused       Mode = "focused"
	Sleeping      Mode = "sleeping"
	InCall        Mode = "in-call"
	Away          Mode = "away"
	GuestsPresent Mode = "guests-present"
	Emergency     Mode = "emergency"
)

// ParseMode maps a hub entity state string to a Mode. Unrecognized
// states map to Awake, the least restrictive classification, so a
// misbehaving classifier cannot silence notifications.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case Awake, Focused, Sleeping, InCall, Away, GuestsPresent, Emergency:
		return Mode(s)
	default:
		return Awake
	}
}

// Monitor holds the latest household activity mode.
type Monitor struct {
	mu       sync.RWMutex
	mode     Mode
	since    time.Time
	entityID string
	logger   *slog.Logger
}

// NewMonitor creates a monitor bound to the given hub entity. The mode
// starts as Awake until the first state arrives.
func NewMonitor(entityID string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		mode:     Awake,
		entityID: entityID,
		logger:   logger,
	}
}

// EntityID returns the hub entity this monitor follows.
func (m *Monitor) EntityID() string {
	return m.entityID
}

// HandleStateChange updates the mode on a state_changed event. Matches
// the hub.StateChangeHandler signature; events for other entities are
// ignored.
func (m *Monitor) HandleStateChange(entityID, _, newState string) {
	if entityID != m.entityID {
		return
	}

	mode := ParseMode(newState)

	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == m.mode {
		return
	}

	m.logger.Info("household activity changed", "from", m.mode, "to", mode)
	m.mode = mode
	m.since = time.Now()
}

// Snapshot returns the current mode and when it was entered. Callers
// take one snapshot per decision.
func (m *Monitor) Snapshot() (Mode, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode, m.since
}

// Set replaces the mode directly. Used for the initial fetch and tests.
func (m *Monitor) Set(mode Mode, since time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	m.since = since
}
