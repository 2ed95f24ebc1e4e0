package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"
	"time"
)

// EntityFilter matches entity IDs against a set of glob patterns.
type EntityFilter struct {
	patterns []string
}

// NewEntityFilter creates a filter from glob patterns like "light.*" or
// "binary_sensor.front_door". An empty pattern list matches nothing.
func NewEntityFilter(patterns []string) *EntityFilter {
	return &EntityFilter{patterns: patterns}
}

// Match reports whether the entity ID matches any pattern.
func (f *EntityFilter) Match(entityID string) bool {
	for _, p := range f.patterns {
		if ok, _ := path.Match(p, entityID); ok {
			return true
		}
	}
	return false
}

// EntityRateLimiter caps per-entity event throughput with a sliding
// one-minute window. Chatty sensors (power meters, motion) would
// otherwise drown the dispatcher.
type EntityRateLimiter struct {
	mu       sync.Mutex
	perMin   int
	recent   map[string][]time.Time
	now      func() time.Time
}

// NewEntityRateLimiter creates a limiter allowing perMin events per
// entity per minute. perMin <= 0 disables limiting.
func NewEntityRateLimiter(perMin int) *EntityRateLimiter {
	return &EntityRateLimiter{
		perMin: perMin,
		recent: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether an event for the entity may pass, recording it
// if so.
func (l *EntityRateLimiter) Allow(entityID string) bool {
	if l.perMin <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	times := l.recent[entityID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.perMin {
		l.recent[entityID] = kept
		return false
	}

	l.recent[entityID] = append(kept, now)
	return true
}

// StateChangeHandler receives filtered, rate-limited state changes.
type StateChangeHandler func(entityID, oldState, newState string)

// StateWatcher consumes the WebSocket event stream and forwards
// state_changed events for matching entities to a handler.
type StateWatcher struct {
	ws      *WSClient
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateChangeHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher. The limiter may be nil to disable
// rate limiting.
func NewStateWatcher(ws *WSClient, filter *EntityFilter, limiter *EntityRateLimiter, handler StateChangeHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWatcher{
		ws:      ws,
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger,
	}
}

// Run subscribes to state_changed events and processes them until the
// context is cancelled.
func (w *StateWatcher) Run(ctx context.Context) error {
	if err := w.ws.Subscribe(ctx, "state_changed"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ws.Events():
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		}
	}
}

func (w *StateWatcher) handleEvent(ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("unparseable state_changed payload", "error", err)
		return
	}

	// NewState is nil when an entity is removed.
	if data.NewState == nil {
		return
	}

	if !w.filter.Match(data.EntityID) {
		return
	}

	if w.limiter != nil && !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("entity rate limited", "entity_id", data.EntityID)
		return
	}

	oldState := ""
	if data.OldState != nil {
		oldState = data.OldState.State
	}

	w.handler(data.EntityID, oldState, data.NewState.State)
}
