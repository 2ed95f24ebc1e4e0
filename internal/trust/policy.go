// Package trust implements the trust and autonomy policy: the single
// decision point every device action passes through immediately before
// execution. Policy tables are immutable snapshots swapped atomically on
// reload, so an in-flight authorization always sees one consistent
// policy version.
package trust

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Level classifies a person and bounds which action kinds they may
// request. Higher levels include the permissions of lower ones.
type Level int

const (
	// Guest is the floor: unrecognized or low-confidence speakers.
	Guest Level = iota
	// Member is a recognized household member.
	Member
	// Owner may request security-sensitive actions (locks, alarm).
	Owner
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case Guest:
		return "guest"
	case Member:
		return "member"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name to a Level. Unknown names resolve to
// Guest — the safe floor — along with an error.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "guest":
		return Guest, nil
	case "member":
		return Member, nil
	case "owner":
		return Owner, nil
	default:
		return Guest, fmt.Errorf("unknown trust level %q", s)
	}
}

// Autonomy bounds how far the agent may act without an explicit
// request: 1 is reactive-only, 5 may create new automations.
const (
	AutonomyReactive   = 1
	AutonomySuggest    = 2
	AutonomyRoutine    = 3
	AutonomyProtective = 4
	AutonomyFull       = 5
)

// Risk is the static classification of an action kind determining
// whether confirmation is mandatory. It comes from the policy table,
// never from the model's own framing of the request.
type Risk int

const (
	// RiskLow actions are freely executable once trust allows them.
	RiskLow Risk = iota
	// RiskMedium actions execute without confirmation but are logged
	// prominently.
	RiskMedium
	// RiskHigh actions always require explicit confirmation.
	RiskHigh
)

// String returns the lowercase risk name.
func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// Action kinds known to the policy. The executor validates parameters
// per kind; the policy decides who may invoke it and at what risk.
const (
	KindSetLight    = "set_light"
	KindSetSwitch   = "set_switch"
	KindSetClimate  = "set_climate"
	KindRunScene    = "run_scene"
	KindLockDoor    = "lock_door"
	KindUnlockDoor  = "unlock_door"
	KindArmAlarm    = "arm_alarm"
	KindDisarmAlarm = "disarm_alarm"
	KindNotify      = "notify"
)

// ClimateComfortMin and ClimateComfortMax bound the setpoint range a
// climate action may target at low risk; outside the band the action is
// reclassified medium (someone asking for 15°C at night is unusual
// enough to log prominently, though still allowed).
const (
	ClimateComfortMin = 18.0
	ClimateComfortMax = 26.0
)

// Policy is one immutable version of the trust tables. Construct via
// DefaultPolicy or LoadPolicyFile and publish through a Holder; never
// mutate a Policy that has been published.
type Policy struct {
	// Version increases on every reload.
	Version int

	// Required maps action kind to the minimum trust level that may
	// request it.
	Required map[string]Level

	// BaseRisk maps action kind to its risk before parameter-sensitive
	// overrides.
	BaseRisk map[string]Risk

	// AutonomyFloor maps action kind to the minimum autonomy level a
	// person must grant before the agent may initiate that action on
	// its own (proactive and rule-triggered paths).
	AutonomyFloor map[string]int
}

// DefaultPolicy returns the built-in trust tables.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: 1,
		Required: map[string]Level{
			KindNotify:      Guest,
			KindSetLight:    Member,
			KindSetSwitch:   Member,
			KindSetClimate:  Member,
			KindRunScene:    Member,
			KindLockDoor:    Member,
			KindUnlockDoor:  Owner,
			KindArmAlarm:    Owner,
			KindDisarmAlarm: Owner,
		},
		BaseRisk: map[string]Risk{
			KindNotify:      RiskLow,
			KindSetLight:    RiskLow,
			KindSetSwitch:   RiskLow,
			KindSetClimate:  RiskLow,
			KindRunScene:    RiskMedium,
			KindLockDoor:    RiskMedium,
			KindUnlockDoor:  RiskHigh,
			KindArmAlarm:    RiskMedium,
			KindDisarmAlarm: RiskHigh,
		},
		AutonomyFloor: map[string]int{
			KindNotify:      AutonomySuggest,
			KindSetLight:    AutonomyRoutine,
			KindSetSwitch:   AutonomyRoutine,
			KindSetClimate:  AutonomyRoutine,
			KindRunScene:    AutonomyRoutine,
			KindLockDoor:    AutonomyProtective,
			KindArmAlarm:    AutonomyProtective,
			KindUnlockDoor:  AutonomyFull,
			KindDisarmAlarm: AutonomyFull,
		},
	}
}

// RiskFor classifies an action kind with its concrete parameters.
// Unknown kinds are RiskHigh: an action the policy has never heard of
// must not slip through at low risk.
func (p *Policy) RiskFor(kind string, params map[string]any) Risk {
	base, ok := p.BaseRisk[kind]
	if !ok {
		return RiskHigh
	}

	// Parameter-sensitive overrides.
	if kind == KindSetClimate {
		if temp, ok := floatParam(params, "temperature"); ok {
			if temp < ClimateComfortMin || temp > ClimateComfortMax {
				if base < RiskMedium {
					return RiskMedium
				}
			}
		}
	}

	return base
}

// floatParam extracts a numeric parameter that may arrive as float64
// (JSON) or int (constructed in code).
func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// policyFile is the YAML schema for policy overrides.
type policyFile struct {
	Required      map[string]string `yaml:"required"`
	Risk          map[string]string `yaml:"risk"`
	AutonomyFloor map[string]int    `yaml:"autonomy_floor"`
}

// LoadPolicyFile reads policy overrides from a YAML file and merges
// them over the defaults. Entries for unknown action kinds are
// accepted — custom kinds may exist in rules.
func LoadPolicyFile(path string, version int) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	p := DefaultPolicy()
	p.Version = version

	for kind, name := range pf.Required {
		lvl, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("policy required[%s]: %w", kind, err)
		}
		p.Required[kind] = lvl
	}
	for kind, name := range pf.Risk {
		var r Risk
		switch name {
		case "low":
			r = RiskLow
		case "medium":
			r = RiskMedium
		case "high":
			r = RiskHigh
		default:
			return nil, fmt.Errorf("policy risk[%s]: unknown risk %q", kind, name)
		}
		p.BaseRisk[kind] = r
	}
	for kind, floor := range pf.AutonomyFloor {
		if floor < AutonomyReactive || floor > AutonomyFull {
			return nil, fmt.Errorf("policy autonomy_floor[%s]: %d out of range 1..5", kind, floor)
		}
		p.AutonomyFloor[kind] = floor
	}

	return p, nil
}

// Holder publishes the active policy version. Readers get a consistent
// snapshot; Reload swaps the pointer atomically so no reader ever sees
// a half-updated table.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder creates a holder publishing the given initial policy.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Current returns the active policy snapshot. The returned Policy must
// be treated as read-only.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Reload publishes a new policy version. In-flight decisions keep the
// snapshot they already read; the new version applies from the next
// authorization on.
func (h *Holder) Reload(p *Policy) {
	p.Version = h.current.Load().Version + 1
	h.current.Store(p)
}
