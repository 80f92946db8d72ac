package actor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meshline/supportmesh/internal/broker"
	"github.com/meshline/supportmesh/internal/mesh"
)

// AggregatorStats is a snapshot of the aggregator's delivery counters.
type AggregatorStats struct {
	Processed        int64 `json:"responses_processed"`
	Delivered        int64 `json:"responses_delivered"`
	DeliveryFailures int64 `json:"delivery_failures"`
}

// ResponseAggregator is the terminal sink of the pipeline: it assembles the
// delivery envelope and publishes it to whichever subject the request's
// transport metadata names. Delivery failures go to a side notification
// subject; they are never raised back into the mesh, because there is
// nothing upstream left to handle them.
type ResponseAggregator struct {
	broker broker.Broker
	logger *slog.Logger

	processed        atomic.Int64
	delivered        atomic.Int64
	deliveryFailures atomic.Int64
}

// NewResponseAggregator builds the terminal sink on the given broker.
func NewResponseAggregator(b broker.Broker, logger *slog.Logger) *ResponseAggregator {
	return &ResponseAggregator{
		broker: b,
		logger: logger.With("actor", mesh.StageResponseAggregator.String()),
	}
}

func (ra *ResponseAggregator) Stage() mesh.Stage { return mesh.StageResponseAggregator }

// Process guarantees some response text exists before delivery.
func (ra *ResponseAggregator) Process(_ context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	if p.Response == "" {
		return mesh.ResponseText(aggregatorFallback(p)), nil
	}
	return nil, nil
}

// RouteNext terminates the route: it builds the envelope and delivers it.
func (ra *ResponseAggregator) RouteNext(ctx context.Context, msg *mesh.Message, _ SendFunc) error {
	ra.processed.Add(1)

	envelope := ra.buildEnvelope(msg)
	subject := deliverySubject(msg)

	data, err := envelope.Encode()
	if err == nil {
		err = ra.broker.Publish(ctx, subject, data)
	}
	if err != nil {
		ra.deliveryFailures.Add(1)
		ra.logger.Error("response delivery failed",
			"message_id", msg.MessageID, "subject", subject, "error", err)
		ra.notifyDeliveryError(ctx, msg, err)
		return nil
	}

	ra.delivered.Add(1)
	ra.logger.Info("response delivered", "message_id", msg.MessageID, "subject", subject)
	return nil
}

// Stats returns a snapshot of the delivery counters.
func (ra *ResponseAggregator) Stats() AggregatorStats {
	return AggregatorStats{
		Processed:        ra.processed.Load(),
		Delivered:        ra.delivered.Load(),
		DeliveryFailures: ra.deliveryFailures.Load(),
	}
}

// buildEnvelope summarizes the message's journey into the final envelope.
func (ra *ResponseAggregator) buildEnvelope(msg *mesh.Message) *mesh.FinalResponse {
	meta := map[string]any{
		"processing_complete": true,
		"route_completed":     msg.Route.IsComplete(),
		"total_steps":         len(msg.Route.Steps),
		"steps_completed":     msg.Route.CurrentStep + 1,
	}

	if enr := summarizeEnrichments(&msg.Payload); len(enr) > 0 {
		meta["enrichments"] = enr
	}

	if msg.Payload.Error != nil {
		meta["error_occurred"] = true
		meta["error_type"] = string(msg.Payload.Error.Type)
		meta["recovery_attempts"] = len(msg.Payload.RecoveryLog)
	}

	if ex := msg.Payload.ExecutionResult; ex != nil {
		meta["actions_executed"] = true
		meta["execution_summary"] = map[string]any{
			"success":       ex.Success,
			"actions_count": len(ex.Actions),
		}
	}

	if g := msg.Payload.GuardrailCheck; g != nil {
		meta["guardrails"] = map[string]any{
			"passed":           g.Passed,
			"checks_performed": len(g.Checks),
		}
	}

	if c := msg.Payload.Context; c != nil && c.Escalation != nil {
		meta["escalated"] = true
		meta["escalation_info"] = c.Escalation
	}

	if created := msg.CreatedAt(); !created.IsZero() {
		meta["total_processing_time"] = time.Since(created).Seconds()
	}

	if msg.MetaBool(mesh.MetaFallbackUsed) {
		meta["fallback_used"] = true
		meta["fallback_reason"] = msg.MetaString(mesh.MetaFallbackReason)
	}

	return &mesh.FinalResponse{
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		Response:  msg.Payload.Response,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

func summarizeEnrichments(p *mesh.Payload) map[string]bool {
	enr := map[string]bool{}
	if p.Sentiment != nil {
		enr["sentiment_analysis"] = true
	}
	if p.Intent != nil {
		enr["intent_classification"] = true
	}
	if p.Context != nil {
		enr["context_retrieval"] = true
	}
	if p.GuardrailCheck != nil {
		enr["guardrail_validation"] = true
	}
	if p.ExecutionResult != nil {
		enr["action_execution"] = true
	}
	return enr
}

// deliverySubject resolves the envelope's destination from the message's
// transport metadata: explicit override, then the API default, then the
// session-scoped subject.
func deliverySubject(msg *mesh.Message) string {
	if s := msg.MetaString(mesh.MetaResponseSubject); s != "" {
		return s
	}
	if msg.MetaBool(mesh.MetaAPIRequest) {
		return mesh.GatewayResponseSubject
	}
	if msg.SessionID != "" {
		return mesh.SessionResponsePrefix + msg.SessionID
	}
	return mesh.GatewayResponseSubject
}

// notifyDeliveryError reports a failed delivery to the side error subject.
// This is the last hop; best effort only.
func (ra *ResponseAggregator) notifyDeliveryError(ctx context.Context, msg *mesh.Message, cause error) {
	report, err := json.Marshal(map[string]any{
		"message_id":        msg.MessageID,
		"session_id":        msg.SessionID,
		"error":             cause.Error(),
		"original_response": msg.Payload.Response,
		"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := ra.broker.Publish(ctx, mesh.DeliveryErrorSubject, report); err != nil {
		ra.logger.Error("delivery error notification failed",
			"message_id", msg.MessageID, "error", err)
	}
}

// aggregatorFallback synthesizes a context-appropriate response when none
// was generated upstream.
func aggregatorFallback(p *mesh.Payload) string {
	intentType := "general_inquiry"
	if p.Intent != nil {
		intentType = p.Intent.Intent
	}

	switch intentType {
	case "order_status":
		return `Thank you for your inquiry about your order.

I apologize that I couldn't retrieve your specific order details at the moment. Please check your email for order confirmation and tracking information, or contact our customer service team for personalized assistance.

We appreciate your business and are here to help.`

	case "refund_request", "billing_inquiry":
		return `Thank you for contacting us about your billing inquiry.

Our customer service team is best equipped to help you with account-specific matters. Please contact them directly, and they'll be happy to review your account and assist you with any billing questions or refund requests.

We value your business and want to ensure you receive the best possible service.`

	default:
		return `Thank you for reaching out to us.

While I wasn't able to provide a specific response to your inquiry, our customer service team is available to assist you with personalized help for any questions or concerns you may have.

We appreciate your patience and look forward to serving you.`
	}
}
