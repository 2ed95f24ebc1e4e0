package executor

import (
	"fmt"
	"strings"

	"github.com/hearthd/hearth/internal/trust"
)

// Setpoint bounds accepted at the validation layer. Wider than the
// comfort band the risk table uses: a setpoint outside comfort is
// legal but high-risk, a setpoint outside these bounds is rejected
// outright.
const (
	setpointMin = 15.0
	setpointMax = 28.0
)

// entityDomains maps an action kind to the hub entity domain its
// entity_id must belong to.
var entityDomains = map[string]string{
	trust.KindSetLight:    "light",
	trust.KindSetSwitch:   "switch",
	trust.KindSetClimate:  "climate",
	trust.KindRunScene:    "scene",
	trust.KindLockDoor:    "lock",
	trust.KindUnlockDoor:  "lock",
	trust.KindArmAlarm:    "alarm_control_panel",
	trust.KindDisarmAlarm: "alarm_control_panel",
}

// validate checks a call's shape before any trust decision or device
// I/O. It never consults external state.
func validate(call Call) error {
	if call.Kind == "" {
		return &ValidationError{Kind: call.Kind, Detail: "missing action kind"}
	}

	if call.Kind == trust.KindNotify {
		msg, _ := call.Params["message"].(string)
		if strings.TrimSpace(msg) == "" {
			return &ValidationError{Kind: call.Kind, Field: "message", Detail: "must be non-empty"}
		}
		return nil
	}

	wantDomain, known := entityDomains[call.Kind]
	if !known {
		// Unknown kinds proceed to the trust engine, which denies them
		// with a recorded reason. Rejecting here would hide the denial
		// from the audit trail.
		return nil
	}

	entityID, _ := call.Params["entity_id"].(string)
	if entityID == "" {
		return &ValidationError{Kind: call.Kind, Field: "entity_id", Detail: "must be non-empty"}
	}
	if domain := entityDomain(entityID); domain != wantDomain {
		return &ValidationError{
			Kind:   call.Kind,
			Field:  "entity_id",
			Detail: fmt.Sprintf("domain %q does not match action (want %q)", domain, wantDomain),
		}
	}

	switch call.Kind {
	case trust.KindSetLight:
		if err := validateOnOff(call); err != nil {
			return err
		}
		if b, ok := call.Params["brightness"]; ok {
			f, ok := toFloat(b)
			if !ok || f < 0 || f > 255 {
				return &ValidationError{Kind: call.Kind, Field: "brightness", Detail: "must be 0-255"}
			}
		}
	case trust.KindSetSwitch:
		if err := validateOnOff(call); err != nil {
			return err
		}
	case trust.KindSetClimate:
		raw, ok := call.Params["temperature"]
		if !ok {
			return &ValidationError{Kind: call.Kind, Field: "temperature", Detail: "required"}
		}
		f, numOK := toFloat(raw)
		if !numOK {
			return &ValidationError{Kind: call.Kind, Field: "temperature", Detail: "must be a number"}
		}
		if f < setpointMin || f > setpointMax {
			return &ValidationError{
				Kind:   call.Kind,
				Field:  "temperature",
				Detail: fmt.Sprintf("%.1f outside accepted range %.0f-%.0f", f, setpointMin, setpointMax),
			}
		}
	}

	return nil
}

func validateOnOff(call Call) error {
	state, _ := call.Params["state"].(string)
	if state != "on" && state != "off" {
		return &ValidationError{Kind: call.Kind, Field: "state", Detail: `must be "on" or "off"`}
	}
	return nil
}

// serviceFor maps an authorized action kind to the hub service call.
func serviceFor(kind string, params map[string]any) (domain, service string, err error) {
	switch kind {
	case trust.KindSetLight:
		return "light", onOffService(params), nil
	case trust.KindSetSwitch:
		return "switch", onOffService(params), nil
	case trust.KindSetClimate:
		return "climate", "set_temperature", nil
	case trust.KindRunScene:
		return "scene", "turn_on", nil
	case trust.KindLockDoor:
		return "lock", "lock", nil
	case trust.KindUnlockDoor:
		return "lock", "unlock", nil
	case trust.KindArmAlarm:
		return "alarm_control_panel", "alarm_arm_away", nil
	case trust.KindDisarmAlarm:
		return "alarm_control_panel", "alarm_disarm", nil
	default:
		return "", "", &ValidationError{Kind: kind, Detail: "no hub service mapping"}
	}
}

func onOffService(params map[string]any) string {
	if state, _ := params["state"].(string); state == "off" {
		return "turn_off"
	}
	return "turn_on"
}

func entityDomain(entityID string) string {
	if idx := strings.IndexByte(entityID, '.'); idx >= 0 {
		return entityID[:idx]
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
