// Package person tracks presence for configured household members and
// provides a context block for model prompts.
package person

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hearthd/hearth/internal/hub"
)

// Presence is the current state of a tracked household member. State is
// typically "home", "not_home", or a zone name.
type Presence struct {
	EntityID     string
	FriendlyName string
	State        string
	Since        time.Time
}

// StateGetter abstracts the hub REST client for fetching entity state.
type StateGetter interface {
	GetState(ctx context.Context, entityID string) (*hub.State, error)
}

// Tracker maintains in-memory presence for configured person entities.
// It matches the hub.StateChangeHandler signature for live updates and
// serves as a context provider for the orchestrator.
type Tracker struct {
	people map[string]*Presence
	order  []string // insertion order for deterministic output
	mu     sync.RWMutex
	loc    *time.Location
	logger *slog.Logger
}

// NewTracker creates a tracker for the given person entity IDs. All
// entries start as "Unknown" until Initialize runs. An empty or invalid
// timezone falls back to the system local timezone.
func NewTracker(entityIDs []string, timezone string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	loc := time.Local
	if timezone != "" {
		if parsed, err := time.LoadLocation(timezone); err == nil {
			loc = parsed
		} else {
			logger.Warn("invalid timezone for person tracker, using local", "timezone", timezone, "error", err)
		}
	}

	people := make(map[string]*Presence, len(entityIDs))
	order := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		people[id] = &Presence{
			EntityID:     id,
			FriendlyName: friendlyNameFromEntityID(id),
			State:        "Unknown",
		}
		order = append(order, id)
	}

	return &Tracker{
		people: people,
		order:  order,
		loc:    loc,
		logger: logger,
	}
}

// Initialize fetches current state for all tracked entities. Entities
// that fail to load stay "Unknown". Idempotent; safe to call from a
// connwatch OnReady callback on every reconnection.
func (t *Tracker) Initialize(ctx context.Context, h StateGetter) error {
	ids := t.EntityIDs()

	// Fetch outside the lock so readers are not blocked on network I/O.
	type fetchResult struct {
		id    string
		state *hub.State
		err   error
	}
	results := make([]fetchResult, 0, len(ids))
	for _, id := range ids {
		state, err := h.GetState(ctx, id)
		results = append(results, fetchResult{id: id, state: state, err: err})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, r := range results {
		if r.err != nil {
			t.logger.Warn("failed to fetch person state", "entity_id", r.id, "error", r.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s: %w", r.id, r.err)
			}
			continue
		}

		p := t.people[r.id]
		p.State = r.state.State
		p.Since = r.state.LastChanged
		if name, ok := r.state.Attributes["friendly_name"].(string); ok && name != "" {
			p.FriendlyName = name
		}
	}

	return firstErr
}

// HandleStateChange updates presence on a state_changed event. Matches
// the hub.StateChangeHandler signature. Untracked entities and
// no-change events are ignored.
func (t *Tracker) HandleStateChange(entityID, _, newState string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.people[entityID]
	if !ok || p.State == newState {
		return
	}

	t.logger.Debug("person state changed",
		"entity_id", entityID,
		"old_state", p.State,
		"new_state", newState,
	)

	p.State = newState
	p.Since = time.Now()
}

// AnyoneHome reports whether any tracked person is currently home.
func (t *Tracker) AnyoneHome() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.people {
		if strings.EqualFold(p.State, "home") {
			return true
		}
	}
	return false
}

// GetContext returns a formatted presence block for prompt injection.
// Empty string when no entities are tracked.
func (t *Tracker) GetContext(_ context.Context, _ string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.order) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("### People & Presence\n\n")

	for _, id := range t.order {
		p := t.people[id]
		displayName := titleCase(p.FriendlyName)

		if p.State == "Unknown" || p.Since.IsZero() {
			fmt.Fprintf(&sb, "- **%s**: Unknown\n", displayName)
		} else {
			since := p.Since.In(t.loc).Format("Jan 2, 3:04 PM")
			fmt.Fprintf(&sb, "- **%s**: %s (since %s)\n", displayName, formatState(p.State), since)
		}
	}

	return sb.String(), nil
}

// EntityIDs returns a copy of the tracked entity IDs, used to merge
// person entities into the state watcher's filter globs.
func (t *Tracker) EntityIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, len(t.order))
	copy(ids, t.order)
	return ids
}

func formatState(state string) string {
	if strings.EqualFold(state, "not_home") {
		return "Away"
	}
	return titleCase(state)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func friendlyNameFromEntityID(id string) string {
	if idx := strings.IndexByte(id, '.'); idx >= 0 {
		return strings.ReplaceAll(id[idx+1:], "_", " ")
	}
	return id
}
