package trust

import (
	"fmt"
	"log/slog"
)

// Person is a trust record for one known individual. Records are loaded
// fresh from the Directory for every action — never cached across
// requests — so an administrative change takes effect immediately.
type Person struct {
	ID       string
	Name     string
	Level    Level
	Autonomy int
}

// GuestPerson returns the record used for unrecognized or
// low-confidence speakers: Guest trust, reactive-only autonomy.
func GuestPerson() Person {
	return Person{
		ID:       "guest",
		Name:     "Guest",
		Level:    Guest,
		Autonomy: AutonomyReactive,
	}
}

// Verdict is the outcome of an authorization decision.
type Verdict int

const (
	// Allow means the action may execute now.
	Allow Verdict = iota
	// Deny means the action must not execute.
	Deny
	// NeedsConfirmation means the action may execute only after the
	// requester explicitly confirms it.
	NeedsConfirmation
)

// String returns the lowercase verdict name.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case NeedsConfirmation:
		return "needs_confirmation"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision carries the verdict and, for Deny and NeedsConfirmation, a
// human-readable reason suitable for surfacing to the requester.
type Decision struct {
	Verdict Verdict
	Reason  string
	// Risk is the classified risk of the action, for logging and for
	// the planner's whole-plan confirmation rule.
	Risk Risk
}

// Situation describes how an action reached the engine. The same
// policy applies to every path; Situation only toggles the autonomy
// gate and the confirmation override.
type Situation struct {
	// Proactive is true when the agent initiated the action itself
	// (dispatcher or rules engine), with no explicit user request.
	Proactive bool
	// Confirmed is true when the requester has explicitly confirmed
	// this specific action (or the plan containing it).
	Confirmed bool
}

// Engine is the authorization choke point. Every path that can reach
// the action executor — direct tool call, planner step, proactive
// action, rule-triggered action — calls Authorize immediately before
// execution, never only at creation time of a rule or plan.
type Engine struct {
	holder *Holder
	logger *slog.Logger
}

// NewEngine creates a trust engine reading policy from the holder.
func NewEngine(holder *Holder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{holder: holder, logger: logger}
}

// Authorize decides whether person may perform the action now. It is a
// pure function of the current policy snapshot and its inputs; it
// performs no I/O and mutates nothing.
func (e *Engine) Authorize(person Person, kind string, params map[string]any, sit Situation) Decision {
	pol := e.holder.Current()

	required, known := pol.Required[kind]
	risk := pol.RiskFor(kind, params)

	if !known {
		return Decision{
			Verdict: Deny,
			Reason:  fmt.Sprintf("unknown action kind %q", kind),
			Risk:    risk,
		}
	}

	if person.Level < required {
		e.logger.Info("action denied by trust level",
			"person", person.ID,
			"action", kind,
			"level", person.Level,
			"required", required,
			"policy_version", pol.Version,
		)
		return Decision{
			Verdict: Deny,
			Reason: fmt.Sprintf("%s requires %s trust; %s is %s",
				kind, required, person.Name, person.Level),
			Risk: risk,
		}
	}

	// Autonomy gates agent-initiated execution independently of the
	// trust level gating who may ask. A person who could request an
	// action directly may still have forbidden the agent from doing it
	// unprompted.
	if sit.Proactive {
		floor, ok := pol.AutonomyFloor[kind]
		if !ok {
			floor = AutonomyFull
		}
		if person.Autonomy < floor {
			return Decision{
				Verdict: Deny,
				Reason: fmt.Sprintf("autonomous %s requires autonomy level %d; %s grants %d",
					kind, floor, person.Name, person.Autonomy),
				Risk: risk,
			}
		}
	}

	// High risk always requires explicit confirmation, regardless of
	// trust level.
	if risk == RiskHigh && !sit.Confirmed {
		return Decision{
			Verdict: NeedsConfirmation,
			Reason:  fmt.Sprintf("%s is a high-risk action and needs your confirmation", kind),
			Risk:    risk,
		}
	}

	return Decision{Verdict: Allow, Risk: risk}
}
