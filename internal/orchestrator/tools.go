package orchestrator

import "github.com/hearthd/hearth/internal/trust"

// ToolSchemas returns the tool definitions offered to the model, one
// per action kind. Names match the trust policy's action kinds so a
// returned tool call maps directly onto an executor call.
func ToolSchemas() []map[string]any {
	entityTool := func(kind, description, domain string, extra map[string]any) map[string]any {
		props := map[string]any{
			"entity_id": map[string]any{
				"type":        "string",
				"description": "Target entity, e.g. " + domain + ".kitchen",
			},
		}
		required := []string{"entity_id"}
		for k, v := range extra {
			props[k] = v
		}
		if _, ok := extra["state"]; ok {
			required = append(required, "state")
		}
		return map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        kind,
				"description": description,
				"parameters": map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		}
	}

	onOff := map[string]any{
		"state": map[string]any{
			"type": "string",
			"enum": []string{"on", "off"},
		},
	}

	return []map[string]any{
		entityTool(trust.KindSetLight, "Turn a light on or off, optionally with brightness 0-255.", "light",
			map[string]any{
				"state":      onOff["state"],
				"brightness": map[string]any{"type": "integer", "minimum": 0, "maximum": 255},
			}),
		entityTool(trust.KindSetSwitch, "Turn a switch on or off.", "switch", onOff),
		entityTool(trust.KindSetClimate, "Set a thermostat target temperature in Celsius.", "climate",
			map[string]any{
				"temperature": map[string]any{"type": "number", "minimum": 15, "maximum": 28},
			}),
		entityTool(trust.KindRunScene, "Activate a scene.", "scene", nil),
		entityTool(trust.KindLockDoor, "Lock a door.", "lock", nil),
		entityTool(trust.KindUnlockDoor, "Unlock a door. High risk, requires confirmation.", "lock", nil),
		entityTool(trust.KindArmAlarm, "Arm the alarm.", "alarm_control_panel", nil),
		entityTool(trust.KindDisarmAlarm, "Disarm the alarm. High risk, requires confirmation.", "alarm_control_panel", nil),
		{
			"type": "function",
			"function": map[string]any{
				"name":        trust.KindNotify,
				"description": "Announce a message to the household.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{"type": "string"},
						"room":    map[string]any{"type": "string"},
						"urgency": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					},
					"required": []string{"message"},
				},
			},
		},
	}
}
