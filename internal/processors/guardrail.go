package processors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/meshline/supportmesh/internal/actor"
	"github.com/meshline/supportmesh/internal/mesh"
)

const (
	maxResponseLength = 2000
	maxRefundAmount   = 1000.0
)

// Phrases the generated response must never contain, by category.
var forbiddenPhrases = []struct {
	category string
	phrases  []string
}{
	{"legal", []string{"sue", "lawsuit", "lawyer", "legal action", "court"}},
	{"commitments", []string{"guarantee", "promise", "definitely will", "certainly will"}},
	{"dismissive", []string{"not our problem", "nothing we can do", "your fault"}},
}

var refundAmountRe = regexp.MustCompile(`\$(\d+(?:,\d{3})*(?:\.\d{2})?)`)

// GuardrailValidator checks the drafted response against content policy:
// forbidden phrasing, runaway length, and refund figures above the approval
// ceiling. It steers the route itself so that a failed check flows into the
// escalation router's fallback path instead of reaching the customer.
type GuardrailValidator struct{}

// NewGuardrailValidator builds the policy checker.
func NewGuardrailValidator() *GuardrailValidator { return &GuardrailValidator{} }

func (v *GuardrailValidator) Stage() mesh.Stage { return mesh.StageGuardrailValidator }

func (v *GuardrailValidator) Process(_ context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	if p.Response == "" {
		return &mesh.GuardrailCheck{
			Passed:     false,
			Checks:     []string{"response_present"},
			Violations: []string{"no response to validate"},
		}, nil
	}

	check := &mesh.GuardrailCheck{Passed: true}
	lower := strings.ToLower(p.Response)

	check.Checks = append(check.Checks, "forbidden_content")
	for _, group := range forbiddenPhrases {
		for _, phrase := range group.phrases {
			if strings.Contains(lower, phrase) {
				check.Violations = append(check.Violations,
					fmt.Sprintf("forbidden %s phrase: %q", group.category, phrase))
			}
		}
	}

	check.Checks = append(check.Checks, "response_length")
	if len(p.Response) > maxResponseLength {
		check.Violations = append(check.Violations,
			fmt.Sprintf("response length %d exceeds limit %d", len(p.Response), maxResponseLength))
	}

	// The amount scan catches only dollar figures the template spelled out;
	// actual refund authorization happens in the execution coordinator.
	check.Checks = append(check.Checks, "refund_amount")
	for _, m := range refundAmountRe.FindAllStringSubmatch(p.Response, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		if amount, err := strconv.ParseFloat(raw, 64); err == nil && amount > maxRefundAmount {
			check.Violations = append(check.Violations,
				fmt.Sprintf("mentions $%.2f refund, above the $%.0f approval ceiling", amount, maxRefundAmount))
		}
	}

	check.Passed = len(check.Violations) == 0
	return check, nil
}

// RouteNext routes a failed check into the escalation router so it can
// synthesize a safe fallback; a passed check advances normally.
func (v *GuardrailValidator) RouteNext(ctx context.Context, msg *mesh.Message, send actor.SendFunc) error {
	if msg.Payload.GuardrailCheck != nil && !msg.Payload.GuardrailCheck.Passed {
		if msg.Route.Next() != mesh.StageEscalationRouter {
			msg.Route.InsertAfterCurrent(mesh.StageEscalationRouter)
		}
	}
	if !msg.Route.Advance() {
		return fmt.Errorf("guardrail validator at end of route for message %s", msg.MessageID)
	}
	return send(ctx, msg.Route.Current(), msg)
}
