// Package dispatch runs the proactive side of the agent: events from
// the hub's state stream, sensor engines, and the scheduler fan into
// one bounded queue, pass an urgency and cooldown filter against the
// household's current activity, and leave as spoken notifications
// through the executor's notify path. Nothing speaks without first
// passing the same filter, and nothing speaks twice about the same
// thing inside its cooldown window.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/activity"
	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/cooldown"
	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/trust"
)

// Urgency orders notification importance.
type Urgency int

const (
	Low Urgency = iota
	Medium
	High
	Critical
)

func (u Urgency) String() string {
	switch u {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("Urgency(%d)", int(u))
	}
}

// ParseUrgency maps a config string to an Urgency. Unknown strings map
// to Critical so a typo in the silence matrix suppresses more, never
// less, than intended.
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(s) {
	case "low":
		return Low
	case "medium":
		return Medium
	case "high":
		return High
	case "critical":
		return Critical
	default:
		return Critical
	}
}

// Life-safety event kinds. These are treated as critical regardless of
// the urgency the producer assigned.
var lifeSafetyKinds = map[string]bool{
	"smoke":      true,
	"water-leak": true,
	"intrusion":  true,
}

// Event is one proactive occurrence submitted to the dispatcher.
type Event struct {
	ID      string
	Kind    string // e.g. "doorbell", "water-leak", "laundry-done"
	Room    string
	Urgency Urgency
	Message string // optional; composed via the model when empty
	At      time.Time
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize int
	// Silence maps an activity mode to the minimum urgency delivered
	// during that mode. Missing modes use defaults.
	Silence map[string]string
	// ShutdownGrace bounds how long an in-flight event may finish
	// composing and speaking after shutdown begins.
	ShutdownGrace time.Duration
	// Model composes notification text when an event has none.
	Model string
	// AgentAutonomy is the autonomy level the agent acts with when it
	// initiates notifications on its own.
	AgentAutonomy int
}

// defaultSilence is the minimum urgency per activity mode when the
// config is silent.
var defaultSilence = map[activity.Mode]Urgency{
	activity.Awake:         Low,
	activity.GuestsPresent: Medium,
	activity.Focused:       Medium,
	activity.InCall:        High,
	activity.Away:          High,
	activity.Sleeping:      Critical,
	activity.Emergency:     Low,
}

// Dispatcher is the single long-lived loop between event producers and
// the household's ears.
type Dispatcher struct {
	cfg      Config
	queue    chan Event
	ledger   *cooldown.Ledger
	monitor  *activity.Monitor
	exec     *executor.Executor
	composer llm.Client
	breakers *breaker.Set
	bus      *events.Bus
	logger   *slog.Logger
	silence  map[activity.Mode]Urgency
	agent    trust.Person
}

// New creates a dispatcher. composer may be nil; events without text
// then fall back to a plain statement of kind and room.
func New(cfg Config, ledger *cooldown.Ledger, monitor *activity.Monitor, exec *executor.Executor,
	composer llm.Client, breakers *breaker.Set, bus *events.Bus, logger *slog.Logger) *Dispatcher {

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.AgentAutonomy <= 0 {
		cfg.AgentAutonomy = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	silence := make(map[activity.Mode]Urgency, len(defaultSilence))
	for mode, min := range defaultSilence {
		silence[mode] = min
	}
	for mode, min := range cfg.Silence {
		silence[activity.ParseMode(mode)] = ParseUrgency(min)
	}

	return &Dispatcher{
		cfg:      cfg,
		queue:    make(chan Event, cfg.QueueSize),
		ledger:   ledger,
		monitor:  monitor,
		exec:     exec,
		composer: composer,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		silence:  silence,
		agent: trust.Person{
			ID:       "hearth",
			Name:     "Hearth",
			Level:    trust.Member,
			Autonomy: cfg.AgentAutonomy,
		},
	}
}

// Submit offers an event to the queue without blocking. It reports
// false when the queue is full; producers decide whether dropping
// matters for their kind.
func (d *Dispatcher) Submit(ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case d.queue <- ev:
		return true
	default:
		d.logger.Warn("dispatch queue full, dropping event", "kind", ev.Kind, "urgency", ev.Urgency)
		return false
	}
}

// Run processes events until ctx is cancelled. The event being
// processed when shutdown begins gets a bounded grace period to finish
// composing and speaking.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("proactive dispatcher started", "queue_size", d.cfg.QueueSize)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("proactive dispatcher stopping")
			return ctx.Err()
		case ev := <-d.queue:
			// Detached from cancellation but bounded: shutdown never
			// cuts off a notification mid-delivery, and never waits
			// longer than the grace period.
			evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownGrace)
			d.process(evCtx, ev)
			cancel()
		}
	}
}

// process runs one event through filter, compose, and deliver.
func (d *Dispatcher) process(ctx context.Context, ev Event) {
	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDispatcher,
		Kind:      events.KindEventReceived,
		Data:      map[string]any{"event_id": ev.ID, "kind": ev.Kind, "urgency": ev.Urgency.String()},
	})

	mode, _ := d.monitor.Snapshot()
	deliver, reason := d.filter(ev, mode)
	if !deliver {
		d.logger.Debug("proactive event suppressed",
			"event_id", ev.ID,
			"kind", ev.Kind,
			"urgency", ev.Urgency,
			"activity", mode,
			"reason", reason,
		)
		d.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDispatcher,
			Kind:      events.KindEventSuppressed,
			Data:      map[string]any{"event_id": ev.ID, "kind": ev.Kind, "reason": reason},
		})
		return
	}

	message := ev.Message
	if message == "" {
		message = d.compose(ctx, ev)
	}

	call := executor.NewCall(trust.KindNotify, map[string]any{
		"message": message,
		"room":    ev.Room,
		"urgency": effectiveUrgency(ev).String(),
	}, d.agent, trust.Situation{Proactive: true})

	if _, err := d.exec.Execute(ctx, call); err != nil {
		d.logger.Error("proactive delivery failed", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return
	}

	d.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceDispatcher,
		Kind:      events.KindEventDelivered,
		Data:      map[string]any{"event_id": ev.ID, "kind": ev.Kind, "room": ev.Room},
	})
}

// effectiveUrgency promotes life-safety kinds to critical.
func effectiveUrgency(ev Event) Urgency {
	if lifeSafetyKinds[ev.Kind] {
		return Critical
	}
	return ev.Urgency
}

// filter decides whether an event may speak now. The cooldown mark for
// medium/low events happens inside this decision, before any
// composition, so a burst of identical events cannot all pass.
func (d *Dispatcher) filter(ev Event, mode activity.Mode) (bool, string) {
	urgency := effectiveUrgency(ev)

	// Critical bypasses everything: silence, cooldown, adaptation.
	if urgency == Critical {
		return true, ""
	}

	if min, ok := d.silence[mode]; ok && urgency < min {
		return false, fmt.Sprintf("silenced by activity %s", mode)
	}

	// High bypasses cooldown but not silence.
	if urgency == High {
		return true, ""
	}

	allowed, err := d.ledger.Allow(ev.Kind, ev.Room)
	if err != nil {
		// A broken ledger must not mute the house.
		d.logger.Error("cooldown ledger failed, delivering anyway", "kind", ev.Kind, "error", err)
		return true, ""
	}
	if !allowed {
		return false, "within cooldown window"
	}
	return true, ""
}

// compose asks the model for one spoken sentence about the event,
// falling back to a plain statement when the model is unavailable.
func (d *Dispatcher) compose(ctx context.Context, ev Event) string {
	fallback := fallbackMessage(ev)
	if d.composer == nil {
		return fallback
	}

	prompt := fmt.Sprintf(
		"Compose one short spoken sentence notifying the household: kind=%s room=%s urgency=%s. No preamble.",
		ev.Kind, ev.Room, effectiveUrgency(ev),
	)

	var resp *llm.ChatResponse
	err := d.breakers.For(breaker.DepModel).Do(ctx, func(ctx context.Context) error {
		var chatErr error
		resp, chatErr = d.composer.Chat(ctx, d.cfg.Model, []llm.Message{
			{Role: "user", Content: prompt},
		}, nil)
		return chatErr
	})
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		d.logger.Warn("composition degraded to fallback text", "event_id", ev.ID, "error", err)
		return fallback
	}
	return strings.TrimSpace(resp.Message.Content)
}

func fallbackMessage(ev Event) string {
	if ev.Room != "" {
		return fmt.Sprintf("Attention: %s in the %s.", ev.Kind, ev.Room)
	}
	return fmt.Sprintf("Attention: %s.", ev.Kind)
}
