// Package breaker provides per-dependency failure isolation for calls
// to unreliable external services (inference backend, hub API, cache,
// vector store). Each dependency gets an independent circuit breaker;
// when a dependency starts failing, callers fail fast instead of piling
// blocked goroutines onto a dead service.
//
// The breaker never retries on its own. Retry and fallback policy belong
// to the caller, which knows whether a degraded answer is acceptable.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/events"
)

// State identifies the breaker's position in its lifecycle.
type State int

const (
	// Closed means calls pass through normally.
	Closed State = iota
	// Open means calls fail fast without invoking the operation.
	Open
	// HalfOpen means the cool-off elapsed and one trial call may probe
	// the dependency.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UnavailableError is returned when the breaker is open and the wrapped
// operation was not invoked. Callers should degrade (cached answer,
// apologetic message) rather than report the action as done.
type UnavailableError struct {
	Dependency string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("dependency %q is unavailable (breaker open)", e.Dependency)
}

// Config controls when a breaker trips and how long it stays open.
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips the breaker.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// Cooloff is how long the breaker stays open before allowing a
	// half-open trial call.
	Cooloff time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured:
// five failures within a minute trips the breaker for thirty seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooloff:          30 * time.Second,
	}
}

// Breaker is a circuit breaker for one external dependency. All state
// transitions happen under a single mutex so concurrent callers cannot
// race two half-open trials or double-trip the breaker.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	state    State
	failures []time.Time // timestamps within the sliding window
	openedAt time.Time
	trialing bool // a half-open trial call is in flight

	// now is swapped in tests to control the clock.
	now func() time.Time
}

// New creates a breaker for the named dependency. A zero-valued
// FailureThreshold falls back to DefaultConfig.
func New(name string, cfg Config, logger *slog.Logger, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		now:    time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the breaker's current state, resolving an elapsed
// cool-off to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooloff {
		return HalfOpen
	}
	return b.state
}

// Do invokes op through the breaker. While Open, op is not invoked and
// Do returns *UnavailableError. In HalfOpen exactly one caller runs a
// trial; concurrent callers fail fast until the trial resolves.
//
// op's error return is the only failure signal the breaker counts; a
// context cancellation inside op counts as a failure like any other,
// since the dependency did not produce a usable answer.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.settle(trial, opErr)
	return opErr
}

// admit decides whether the caller may proceed. It returns trial=true
// when the caller holds the single half-open probe slot.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooloff {
			return false, &UnavailableError{Dependency: b.name}
		}
		// Cool-off elapsed: transition to HalfOpen and take the trial.
		b.state = HalfOpen
		b.trialing = true
		b.logger.Info("breaker half-open, issuing trial call", "dependency", b.name)
		return true, nil
	case HalfOpen:
		if b.trialing {
			return false, &UnavailableError{Dependency: b.name}
		}
		b.trialing = true
		return true, nil
	}
	return false, nil
}

// settle records the outcome of a call admitted by admit.
func (b *Breaker) settle(trial bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialing = false
		if opErr == nil {
			b.toClosed()
		} else {
			// Trial failed: reopen and restart the cool-off timer.
			b.openedAt = b.now()
			b.state = Open
			b.logger.Warn("breaker trial failed, reopening",
				"dependency", b.name, "error", opErr)
		}
		return
	}

	if opErr == nil {
		// Success in Closed state resets the failure counter.
		b.failures = b.failures[:0]
		return
	}

	now := b.now()
	b.failures = append(b.pruned(now), now)
	if b.state == Closed && len(b.failures) >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = now
		b.failures = b.failures[:0]
		b.logger.Warn("breaker opened",
			"dependency", b.name,
			"threshold", b.cfg.FailureThreshold,
			"window", b.cfg.Window,
		)
		b.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceBreaker,
			Kind:      events.KindBreakerOpen,
			Data:      map[string]any{"dependency": b.name},
		})
	}
}

// toClosed resets the breaker after a successful trial. Callers must
// hold b.mu.
func (b *Breaker) toClosed() {
	b.state = Closed
	b.failures = b.failures[:0]
	b.logger.Info("breaker closed", "dependency", b.name)
	b.bus.Publish(events.Event{
		Timestamp: b.now(),
		Source:    events.SourceBreaker,
		Kind:      events.KindBreakerClosed,
		Data:      map[string]any{"dependency": b.name},
	})
}

// pruned returns the failure timestamps still inside the sliding window.
// Callers must hold b.mu.
func (b *Breaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	valid := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	return valid
}

// Set is a collection of breakers keyed by dependency name, sharing one
// config. It is the process-wide registry handed to every component that
// calls out to an external service.
type Set struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Well-known dependency names.
const (
	DepModel = "model"  // LLM inference backend
	DepHub   = "hub"    // smart-home hub API
	DepCache = "cache"  // working-memory cache
	DepStore = "vector" // vector memory store
)

// NewSet creates a breaker registry with a shared config.
func NewSet(cfg Config, logger *slog.Logger, bus *events.Bus) *Set {
	return &Set{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named dependency, creating it on
// first use.
func (s *Set) For(dependency string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[dependency]; ok {
		return b
	}
	b := New(dependency, s.cfg, s.logger, s.bus)
	s.breakers[dependency] = b
	return b
}

// Snapshot returns the current state of every known breaker, for the
// health endpoint.
func (s *Set) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}
