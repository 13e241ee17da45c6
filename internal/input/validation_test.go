package input

import (
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/logging"
)

func TestValidatorAcceptsWithinConstraints(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())

	decision := validator.Validate("peer-A", Payload{Move: mgl64.Vec2{0.6, 0.8}, Look: mgl64.Vec2{12, -3}})
	if !decision.Accepted {
		t.Fatalf("expected acceptance, got %+v", decision)
	}
}

func TestValidatorRejectsNonFinite(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())

	cases := []Payload{
		{Move: mgl64.Vec2{math.NaN(), 0}},
		{Look: mgl64.Vec2{0, math.Inf(1)}},
	}
	for _, payload := range cases {
		if decision := validator.Validate("peer-B", payload); decision.Reason != ValidationReasonNonFinite {
			t.Fatalf("expected non-finite rejection for %+v, got %+v", payload, decision)
		}
	}
}

func TestValidatorRejectsOutOfRange(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())

	if decision := validator.Validate("peer-C", Payload{Look: mgl64.Vec2{1000, 0}}); decision.Reason != ValidationReasonLookRange {
		t.Fatalf("unexpected reason %s", decision.Reason)
	}
	if got := validator.Metrics()["peer-C"].Violations[ValidationReasonLookRange]; got != 1 {
		t.Fatalf("look range violations = %d, want 1", got)
	}
}

func TestValidatorLeavesOversizedMoveToEngineClamp(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())

	//1.- Oversized but finite move vectors are accepted; the engine clamps them to unit length.
	for _, move := range []mgl64.Vec2{{0, 2}, {-30, 40}} {
		if decision := validator.Validate("peer-D", Payload{Move: move}); !decision.Accepted {
			t.Fatalf("move %v rejected: %+v", move, decision)
		}
	}
	if got := validator.Metrics()["peer-D"].Violations; len(got) != 0 {
		t.Fatalf("unexpected violations %v", got)
	}
}

func TestValidatorCooldownAndDisconnect(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(0)}
	cfg := DefaultConstraints
	cfg.InvalidBurstLimit = 2
	cfg.MaxCooldownStrikes = 2
	validator := NewValidator(cfg, logging.NewTestLogger(), WithValidatorClock(clock))
	bad := Payload{Move: mgl64.Vec2{5, 0}}

	//1.- The first violation warns, the second trips the cooldown.
	if decision := validator.Validate("peer", bad); !decision.Warn {
		t.Fatalf("expected warning, got %+v", decision)
	}
	decision := validator.Validate("peer", bad)
	if decision.Cooldown != cfg.CooldownDuration || decision.Disconnect {
		t.Fatalf("expected cooldown without disconnect, got %+v", decision)
	}

	//2.- Even valid payloads are refused while cooling down.
	if decision := validator.Validate("peer", Payload{}); decision.Reason != ValidationReasonCooldownActive {
		t.Fatalf("expected cooldown rejection, got %+v", decision)
	}

	//3.- A second strike after the cooldown requests a disconnect.
	clock.Advance(cfg.CooldownDuration + time.Millisecond)
	validator.Validate("peer", bad)
	if decision := validator.Validate("peer", bad); !decision.Disconnect {
		t.Fatalf("expected disconnect, got %+v", decision)
	}
	if metrics := validator.Metrics()["peer"]; metrics.Cooldowns != 2 || metrics.Disconnects != 1 {
		t.Fatalf("unexpected counters %+v", metrics)
	}
}

func TestValidatorForget(t *testing.T) {
	validator := NewValidator(DefaultConstraints, logging.NewTestLogger())
	validator.Validate("peer", Payload{Move: mgl64.Vec2{9, 9}})
	validator.Forget("peer")
	if validator.Metrics() != nil {
		t.Fatalf("expected metrics to be cleared")
	}
}
