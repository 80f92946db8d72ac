package actor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meshline/supportmesh/internal/mesh"
)

// Outcome is the escalation state machine's classification result.
type Outcome string

const (
	OutcomeNoEscalation     Outcome = "no_escalation"
	OutcomeRetry            Outcome = "retry"
	OutcomeHumanHandoff     Outcome = "human_handoff"
	OutcomeErrorRecovery    Outcome = "error_recovery"
	OutcomeFallbackResponse Outcome = "fallback_response"
)

const (
	maxAutoRetries    = 3
	handoffConfidence = 0.5
	handoffIntensity  = 0.7
)

// escalationKeywords trigger a human handoff when present in the raw
// customer message.
var escalationKeywords = []string{
	"manager", "supervisor", "human", "person", "speak to someone",
	"escalate", "complaint", "unsatisfied", "not happy",
}

// EscalationRouter is the error/confidence escalation state machine. Each
// message is classified into exactly one outcome: retry a failed stage,
// hand off to a human, recover from an exhausted error, synthesize a safe
// fallback, or pass through untouched.
type EscalationRouter struct {
	logger        *slog.Logger
	queuePosition atomic.Int64
}

// NewEscalationRouter builds the escalation state machine.
func NewEscalationRouter(logger *slog.Logger) *EscalationRouter {
	return &EscalationRouter{logger: logger.With("actor", mesh.StageEscalationRouter.String())}
}

func (er *EscalationRouter) Stage() mesh.Stage { return mesh.StageEscalationRouter }

// Process is a no-op; the escalation router only routes.
func (er *EscalationRouter) Process(_ context.Context, _ *mesh.Payload) (mesh.Enrichment, error) {
	return nil, nil
}

// RouteNext classifies the message and executes the resulting outcome. Any
// failure inside the state machine is itself fatal-and-safe: an emergency
// response is synthesized and force-delivered instead of re-entering the
// machine.
func (er *EscalationRouter) RouteNext(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	outcome := Classify(msg)
	er.logger.Info("escalation classified",
		"message_id", msg.MessageID, "outcome", string(outcome))

	var err error
	switch outcome {
	case OutcomeRetry:
		err = er.handleRetry(ctx, msg, send)
	case OutcomeHumanHandoff:
		err = er.handleHumanHandoff(ctx, msg, send)
	case OutcomeErrorRecovery:
		err = er.handleErrorRecovery(ctx, msg, send)
	case OutcomeFallbackResponse:
		err = er.handleFallback(ctx, msg, send)
	default:
		err = er.continueFlow(ctx, msg, send)
	}
	if err != nil {
		return er.handleCriticalError(ctx, msg, send, err)
	}
	return nil
}

// Classify is the pure classification function over (error presence,
// retry count, intent confidence, escalation keywords, sentiment, tier,
// guardrail result). For fixed inputs it always returns the same outcome.
func Classify(msg *mesh.Message) Outcome {
	if msg.Payload.Error != nil {
		if msg.RetryCount() < maxAutoRetries {
			return OutcomeRetry
		}
		return OutcomeErrorRecovery
	}

	if i := msg.Payload.Intent; i != nil && i.Confidence < handoffConfidence {
		return OutcomeHumanHandoff
	}
	if isEscalationRequest(msg.Payload.CustomerMessage) {
		return OutcomeHumanHandoff
	}
	if needsHumanIntervention(&msg.Payload) {
		return OutcomeHumanHandoff
	}

	if g := msg.Payload.GuardrailCheck; g != nil && !g.Passed {
		return OutcomeFallbackResponse
	}

	return OutcomeNoEscalation
}

func isEscalationRequest(customerMessage string) bool {
	lower := strings.ToLower(customerMessage)
	for _, kw := range escalationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func needsHumanIntervention(p *mesh.Payload) bool {
	if s := p.Sentiment; s != nil && s.Label == "negative" && s.Intensity > handoffIntensity {
		return true
	}
	if c := p.Context; c != nil && c.Customer != nil && c.Customer.Tier == "VIP" {
		return true
	}
	if i := p.Intent; i != nil {
		switch i.Intent {
		case "legal_threat", "formal_complaint":
			return true
		}
	}
	return false
}

// handleRetry rewinds the route to the stage that failed, clears the error,
// and republishes there.
func (er *EscalationRouter) handleRetry(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	msg.IncrementRetry()

	failed := er.findFailedStage(msg)
	if failed == "" {
		// Can't locate the failed stage; fall back to the normal flow.
		return er.continueFlow(ctx, msg, send)
	}

	msg.Route.CurrentStep = msg.Route.IndexOf(failed)
	msg.ClearError()

	er.logger.Info("retrying failed stage",
		"message_id", msg.MessageID,
		"stage", failed.String(),
		"attempt", msg.RetryCount())
	return send(ctx, failed, msg)
}

func (er *EscalationRouter) findFailedStage(msg *mesh.Message) mesh.Stage {
	if msg.Payload.Error == nil {
		return ""
	}
	failed := msg.Payload.Error.Actor
	if failed.Valid() && msg.Route.IndexOf(failed) >= 0 {
		return failed
	}
	return ""
}

// handleHumanHandoff attaches a handoff record to the context, synthesizes
// an interim response, and forwards to the aggregator.
func (er *EscalationRouter) handleHumanHandoff(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	pos := int(er.queuePosition.Add(1) - 1)
	handoff := &mesh.Handoff{
		EscalatedAt:       time.Now().UTC(),
		Reason:            escalationReason(msg),
		QueuePosition:     pos,
		EstimatedWaitTime: "5-10 minutes",
	}

	if msg.Payload.Context == nil {
		msg.Payload.Context = &mesh.Context{}
	}
	msg.Payload.Context.Escalation = handoff
	msg.Payload.Response = interimResponse(msg, handoff)

	er.logger.Info("human handoff", "message_id", msg.MessageID, "reason", handoff.Reason)
	return er.forwardToAggregator(ctx, msg, send)
}

// handleErrorRecovery branches on the recorded error kind once retries are
// exhausted: transient faults get a safe fallback, context failures
// continue with a degraded context, everything else falls back too.
func (er *EscalationRouter) handleErrorRecovery(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	kind := mesh.KindFatal
	if msg.Payload.Error != nil {
		kind = msg.Payload.Error.Type
	}
	er.logger.Warn("error recovery after exhausted retries",
		"message_id", msg.MessageID, "kind", string(kind))

	switch kind {
	case mesh.KindContext:
		msg.Payload.Context = &mesh.Context{Degraded: true}
		return er.continueFlow(ctx, msg, send)
	default:
		// Transient, timeout, and unknown kinds all end in a safe fallback.
		return er.handleFallback(ctx, msg, send)
	}
}

// handleFallback synthesizes a safe canned response and delivers it.
func (er *EscalationRouter) handleFallback(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	msg.Payload.Response = fallbackResponse(msg)
	msg.Metadata[mesh.MetaFallbackUsed] = true
	msg.Metadata[mesh.MetaFallbackReason] = mesh.StageEscalationRouter.String()

	er.logger.Info("fallback response generated", "message_id", msg.MessageID)
	return er.forwardToAggregator(ctx, msg, send)
}

// continueFlow is the no-escalation outcome: default advance, delivering to
// the aggregator when the route has already ended.
func (er *EscalationRouter) continueFlow(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	if !msg.Route.Advance() {
		return er.forwardToAggregator(ctx, msg, send)
	}
	return send(ctx, msg.Route.Current(), msg)
}

// forwardToAggregator rewrites the remaining route so the aggregator is the
// next (and final) stop, keeping the cursor consistent for the misroute
// check on the receiving side.
func (er *EscalationRouter) forwardToAggregator(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	if msg.Route.Current() != mesh.StageResponseAggregator {
		msg.Route.Steps = append(msg.Route.Steps[:msg.Route.CurrentStep+1], mesh.StageResponseAggregator)
		msg.Route.Advance()
	}
	return send(ctx, mesh.StageResponseAggregator, msg)
}

// handleCriticalError is the safety net for failures inside the state
// machine itself: synthesize an emergency response and force-deliver.
func (er *EscalationRouter) handleCriticalError(ctx context.Context, msg *mesh.Message, send SendFunc, cause error) error {
	er.logger.Error("critical escalation error", "message_id", msg.MessageID, "error", cause)

	msg.AddError(mesh.KindFatal, cause.Error(), mesh.StageEscalationRouter)
	msg.Payload.Response = emergencyResponse(msg)
	msg.Metadata[mesh.MetaEmergency] = true

	if err := er.forwardToAggregator(ctx, msg, send); err != nil {
		return fmt.Errorf("emergency delivery failed: %w (cause: %v)", err, cause)
	}
	return nil
}

func escalationReason(msg *mesh.Message) string {
	if msg.Payload.Error != nil {
		return "System error requiring human assistance"
	}
	if i := msg.Payload.Intent; i != nil && i.Confidence < handoffConfidence {
		return "Low confidence in automated response"
	}
	if isEscalationRequest(msg.Payload.CustomerMessage) {
		return "Customer requested human agent"
	}
	if needsHumanIntervention(&msg.Payload) {
		return "Sensitive issue requiring human attention"
	}
	return "General escalation"
}

func refID(messageID string) string {
	if len(messageID) > 8 {
		return messageID[:8]
	}
	return messageID
}

func interimResponse(msg *mesh.Message, handoff *mesh.Handoff) string {
	return fmt.Sprintf(`Thank you for contacting us. I understand your concern and want to ensure you receive the best possible assistance.

I'm connecting you with one of our human customer service representatives who will be able to help you more effectively.

Expected wait time: %s

Your inquiry is important to us, and we appreciate your patience.

Reference ID: %s`, handoff.EstimatedWaitTime, refID(msg.MessageID))
}

func fallbackResponse(msg *mesh.Message) string {
	intentType := "general_inquiry"
	if msg.Payload.Intent != nil {
		intentType = msg.Payload.Intent.Intent
	}

	switch intentType {
	case "order_status":
		return fmt.Sprintf(`Thank you for your inquiry about your order status.

I apologize that I'm unable to provide specific details right now. For the most accurate and up-to-date information about your order, please check your email for order confirmation and tracking details, or contact our customer service team at your convenience.

Reference ID: %s`, refID(msg.MessageID))

	case "refund_request", "billing_inquiry":
		return fmt.Sprintf(`Thank you for contacting us regarding your billing inquiry.

I want to make sure you receive accurate information about your account. Our billing specialists are the best equipped to help you with this matter, and can review your account details securely and process any necessary adjustments.

Reference ID: %s`, refID(msg.MessageID))

	default:
		return fmt.Sprintf(`Thank you for reaching out to us.

I want to ensure you receive the most helpful and accurate assistance possible. For the best support with your inquiry, please contact our customer service team who can provide personalized help.

Reference ID: %s`, refID(msg.MessageID))
	}
}

func emergencyResponse(msg *mesh.Message) string {
	return fmt.Sprintf(`We apologize for the technical difficulty.

Please contact our customer service team directly for immediate assistance.

Reference ID: %s
Error ID: %s`, refID(msg.MessageID), time.Now().UTC().Format("20060102_150405"))
}
