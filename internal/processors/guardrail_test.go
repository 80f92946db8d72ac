package processors

import (
	"context"
	"strings"
	"testing"

	"github.com/meshline/supportmesh/internal/mesh"
)

func validate(t *testing.T, response string) *mesh.GuardrailCheck {
	t.Helper()
	v := NewGuardrailValidator()
	enr, err := v.Process(context.Background(), &mesh.Payload{Response: response})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	check, ok := enr.(*mesh.GuardrailCheck)
	if !ok {
		t.Fatalf("enrichment type %T", enr)
	}
	return check
}

func TestGuardrailPassesCleanResponse(t *testing.T) {
	check := validate(t, "Your order shipped yesterday and should arrive within two days.")
	if !check.Passed {
		t.Errorf("clean response failed: %v", check.Violations)
	}
	if len(check.Checks) != 3 {
		t.Errorf("checks = %v, want all three", check.Checks)
	}
}

func TestGuardrailForbiddenContent(t *testing.T) {
	cases := []struct {
		name     string
		response string
	}{
		{"legal phrasing", "If unhappy you could pursue legal action against the carrier."},
		{"overcommitment", "I guarantee this will never happen again."},
		{"dismissive", "Unfortunately this is not our problem."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := validate(t, tc.response)
			if check.Passed {
				t.Error("forbidden content passed")
			}
			if len(check.Violations) == 0 {
				t.Error("no violation recorded")
			}
		})
	}
}

func TestGuardrailResponseLength(t *testing.T) {
	check := validate(t, strings.Repeat("x", maxResponseLength+1))
	if check.Passed {
		t.Error("oversized response passed")
	}

	check = validate(t, strings.Repeat("x", maxResponseLength))
	if !check.Passed {
		t.Errorf("response at the limit failed: %v", check.Violations)
	}
}

func TestGuardrailRefundCeiling(t *testing.T) {
	check := validate(t, "We have processed your refund of $1,500.00 to your card.")
	if check.Passed {
		t.Error("above-ceiling refund passed")
	}

	check = validate(t, "We have processed your refund of $45.00 to your card.")
	if !check.Passed {
		t.Errorf("small refund failed: %v", check.Violations)
	}

	// The ceiling itself is allowed.
	check = validate(t, "A refund of $1,000.00 has been issued.")
	if !check.Passed {
		t.Errorf("refund at the ceiling failed: %v", check.Violations)
	}
}

func TestGuardrailEmptyResponse(t *testing.T) {
	check := validate(t, "")
	if check.Passed {
		t.Error("empty response passed")
	}
}

func TestGuardrailMultipleViolationsAccumulate(t *testing.T) {
	check := validate(t, "I promise a $2,000.00 refund, and any lawsuit would fail.")
	if len(check.Violations) < 3 {
		t.Errorf("violations = %v, want promise, refund and lawsuit flagged", check.Violations)
	}
}

func TestGuardrailRouteNextDivertsFailures(t *testing.T) {
	v := NewGuardrailValidator()

	route := mesh.Route{
		Steps: []mesh.Stage{
			mesh.StageGuardrailValidator,
			mesh.StageResponseAggregator,
		},
		ErrorHandler: mesh.StageEscalationRouter,
	}
	msg := mesh.NewMessage("s1", route, "hi", "a@b.com")
	msg.Payload.GuardrailCheck = &mesh.GuardrailCheck{Passed: false}

	var sentTo mesh.Stage
	send := func(_ context.Context, stage mesh.Stage, _ *mesh.Message) error {
		sentTo = stage
		return nil
	}
	if err := v.RouteNext(context.Background(), msg, send); err != nil {
		t.Fatalf("route next: %v", err)
	}
	if sentTo != mesh.StageEscalationRouter {
		t.Errorf("sent to %s, want escalation router", sentTo)
	}
	if msg.Route.Current() != mesh.StageEscalationRouter {
		t.Errorf("cursor at %s", msg.Route.Current())
	}
	// The aggregator still follows.
	if msg.Route.Next() != mesh.StageResponseAggregator {
		t.Errorf("next = %s, want aggregator", msg.Route.Next())
	}
}

func TestGuardrailRouteNextPassThrough(t *testing.T) {
	v := NewGuardrailValidator()

	route := mesh.Route{
		Steps: []mesh.Stage{
			mesh.StageGuardrailValidator,
			mesh.StageResponseAggregator,
		},
		ErrorHandler: mesh.StageEscalationRouter,
	}
	msg := mesh.NewMessage("s1", route, "hi", "a@b.com")
	msg.Payload.GuardrailCheck = &mesh.GuardrailCheck{Passed: true}

	var sentTo mesh.Stage
	send := func(_ context.Context, stage mesh.Stage, _ *mesh.Message) error {
		sentTo = stage
		return nil
	}
	if err := v.RouteNext(context.Background(), msg, send); err != nil {
		t.Fatalf("route next: %v", err)
	}
	if sentTo != mesh.StageResponseAggregator {
		t.Errorf("sent to %s, want aggregator", sentTo)
	}
}
