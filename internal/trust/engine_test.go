package trust

import (
	"testing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewHolder(DefaultPolicy()), nil)
}

func owner() Person {
	return Person{ID: "alice", Name: "Alice", Level: Owner, Autonomy: AutonomyProtective}
}

func member() Person {
	return Person{ID: "bob", Name: "Bob", Level: Member, Autonomy: AutonomyRoutine}
}

func TestGuestCannotUnlock(t *testing.T) {
	e := testEngine(t)

	d := e.Authorize(GuestPerson(), KindUnlockDoor, nil, Situation{})
	if d.Verdict != Deny {
		t.Errorf("guest unlock verdict = %v, want Deny", d.Verdict)
	}
	if d.Reason == "" {
		t.Error("Deny decision must carry a reason")
	}
}

func TestOwnerUnlockNeedsConfirmation(t *testing.T) {
	e := testEngine(t)

	d := e.Authorize(owner(), KindUnlockDoor, nil, Situation{})
	if d.Verdict != NeedsConfirmation {
		t.Errorf("owner unlock verdict = %v, want NeedsConfirmation (high risk)", d.Verdict)
	}
	if d.Risk != RiskHigh {
		t.Errorf("Risk = %v, want RiskHigh", d.Risk)
	}

	d = e.Authorize(owner(), KindUnlockDoor, nil, Situation{Confirmed: true})
	if d.Verdict != Allow {
		t.Errorf("confirmed owner unlock verdict = %v, want Allow", d.Verdict)
	}
}

func TestMemberMayControlLights(t *testing.T) {
	e := testEngine(t)

	d := e.Authorize(member(), KindSetLight, map[string]any{"state": "on"}, Situation{})
	if d.Verdict != Allow {
		t.Errorf("member set_light verdict = %v, want Allow", d.Verdict)
	}
}

func TestMemberCannotArmAlarm(t *testing.T) {
	e := testEngine(t)

	d := e.Authorize(member(), KindArmAlarm, nil, Situation{})
	if d.Verdict != Deny {
		t.Errorf("member arm_alarm verdict = %v, want Deny (requires Owner)", d.Verdict)
	}
}

func TestUnknownKindDenied(t *testing.T) {
	e := testEngine(t)

	d := e.Authorize(owner(), "launch_rocket", nil, Situation{Confirmed: true})
	if d.Verdict != Deny {
		t.Errorf("unknown kind verdict = %v, want Deny", d.Verdict)
	}
	if d.Risk != RiskHigh {
		t.Errorf("unknown kind Risk = %v, want RiskHigh", d.Risk)
	}
}

func TestAutonomyGatesProactiveOnly(t *testing.T) {
	e := testEngine(t)
	p := Person{ID: "carol", Name: "Carol", Level: Owner, Autonomy: AutonomyReactive}

	// Direct request: allowed (lock_door is medium risk, Owner trust).
	if d := e.Authorize(p, KindLockDoor, nil, Situation{}); d.Verdict != Allow {
		t.Errorf("direct lock_door verdict = %v, want Allow", d.Verdict)
	}

	// Agent-initiated: blocked by autonomy floor despite Owner trust.
	if d := e.Authorize(p, KindLockDoor, nil, Situation{Proactive: true}); d.Verdict != Deny {
		t.Errorf("proactive lock_door verdict = %v, want Deny (autonomy floor)", d.Verdict)
	}

	// Same action, higher autonomy grant: allowed.
	p.Autonomy = AutonomyProtective
	if d := e.Authorize(p, KindLockDoor, nil, Situation{Proactive: true}); d.Verdict != Allow {
		t.Errorf("proactive lock_door with autonomy 4 = %v, want Allow", d.Verdict)
	}
}

func TestClimateRiskDependsOnSetpoint(t *testing.T) {
	pol := DefaultPolicy()

	tests := []struct {
		temp any
		want Risk
	}{
		{21.0, RiskLow},
		{17.0, RiskMedium},
		{27.5, RiskMedium},
		{20, RiskLow}, // int from code paths
	}
	for _, tt := range tests {
		got := pol.RiskFor(KindSetClimate, map[string]any{"temperature": tt.temp})
		if got != tt.want {
			t.Errorf("RiskFor(set_climate, temp=%v) = %v, want %v", tt.temp, got, tt.want)
		}
	}
}

func TestReloadBumpsVersionAndApplies(t *testing.T) {
	h := NewHolder(DefaultPolicy())
	e := NewEngine(h, nil)

	before := e.Authorize(member(), KindSetLight, nil, Situation{})
	if before.Verdict != Allow {
		t.Fatalf("pre-reload verdict = %v, want Allow", before.Verdict)
	}

	stricter := DefaultPolicy()
	stricter.Required[KindSetLight] = Owner
	h.Reload(stricter)

	if got := h.Current().Version; got != 2 {
		t.Errorf("Version after reload = %d, want 2", got)
	}
	after := e.Authorize(member(), KindSetLight, nil, Situation{})
	if after.Verdict != Deny {
		t.Errorf("post-reload verdict = %v, want Deny", after.Verdict)
	}
}
