package actor

import (
	"context"
	"log/slog"

	"github.com/meshline/supportmesh/internal/mesh"
)

// Confidence below this inserts a human-review step ahead of delivery.
const lowConfidenceThreshold = 0.6

// Orders beyond this count mark a query as complex.
const complexOrderCount = 5

// DecisionRouter rewrites the remaining route based on the enrichments the
// analysis stages produced: immediate escalation, priority fast-tracking,
// mandatory action execution, low-confidence human review, and complex-query
// enrichment. Rules are cumulative except immediate escalation, which
// replaces the route and stops evaluation.
type DecisionRouter struct {
	logger *slog.Logger
}

// NewDecisionRouter builds the content-based router.
func NewDecisionRouter(logger *slog.Logger) *DecisionRouter {
	return &DecisionRouter{logger: logger.With("actor", mesh.StageDecisionRouter.String())}
}

func (dr *DecisionRouter) Stage() mesh.Stage { return mesh.StageDecisionRouter }

// Process is a no-op; the decision router only routes.
func (dr *DecisionRouter) Process(_ context.Context, _ *mesh.Payload) (mesh.Enrichment, error) {
	return nil, nil
}

// RouteNext applies the routing rules and then forwards the message on the
// (possibly rewritten) route.
func (dr *DecisionRouter) RouteNext(ctx context.Context, msg *mesh.Message, send SendFunc) error {
	changes := dr.ApplyRules(msg)
	if len(changes) > 0 {
		dr.logger.Info("routing changes applied", "message_id", msg.MessageID, "changes", changes)
	}

	if changes["immediate_escalation"] {
		// The rewritten route's cursor already names the next stage to run.
		return send(ctx, msg.Route.Current(), msg)
	}

	if !msg.Route.Advance() {
		dr.logger.Warn("message reached end of route", "message_id", msg.MessageID)
		return nil
	}
	return send(ctx, msg.Route.Current(), msg)
}

// ApplyRules evaluates every routing rule against the message's enrichments
// and mutates the route in place. It returns the set of rules that fired.
func (dr *DecisionRouter) ApplyRules(msg *mesh.Message) map[string]bool {
	changes := map[string]bool{}

	sentiment := msg.Payload.Sentiment
	intent := msg.Payload.Intent
	pctx := msg.Payload.Context

	if shouldEscalateImmediately(sentiment, intent, pctx) {
		changes["immediate_escalation"] = true
		msg.Route.Steps = []mesh.Stage{mesh.StageEscalationRouter, mesh.StageResponseAggregator}
		msg.Route.CurrentStep = 0
		return changes
	}

	if needsPriorityProcessing(sentiment, intent) {
		changes["priority_processing"] = true
		insertPriorityStep(&msg.Route)
	}

	if needsActionExecution(intent) {
		changes["action_execution"] = true
		ensureExecutionCoordinator(&msg.Route)
	}

	if hasLowConfidence(intent) {
		changes["low_confidence"] = true
		addHumanReview(&msg.Route)
	}

	if isComplexQuery(intent, pctx) {
		changes["complex_processing"] = true
		addEnhancedProcessing(&msg.Route)
	}

	return changes
}

func shouldEscalateImmediately(s *mesh.Sentiment, i *mesh.Intent, c *mesh.Context) bool {
	if s != nil {
		if s.Urgency == "critical" {
			return true
		}
		if s.Label == "negative" && s.Intensity > 0.8 {
			return true
		}
	}
	if i != nil {
		switch i.Intent {
		case "legal_threat", "formal_complaint", "regulatory_complaint":
			return true
		}
	}
	if c != nil && c.Customer != nil && c.Customer.Tier == "VIP" && s != nil {
		if s.Urgency == "high" || s.Urgency == "critical" {
			return true
		}
	}
	return false
}

func needsPriorityProcessing(s *mesh.Sentiment, i *mesh.Intent) bool {
	if s != nil && s.Urgency == "high" {
		return true
	}
	if i != nil {
		switch i.Intent {
		case "billing_inquiry", "refund_request", "payment_issue":
			return true
		}
	}
	return false
}

func needsActionExecution(i *mesh.Intent) bool {
	if i == nil {
		return false
	}
	switch i.Intent {
	case "refund_request", "order_modification", "shipping_change",
		"billing_update", "account_update", "order_cancellation":
		return true
	}
	return false
}

func hasLowConfidence(i *mesh.Intent) bool {
	return i != nil && i.Confidence < lowConfidenceThreshold
}

func isComplexQuery(i *mesh.Intent, c *mesh.Context) bool {
	if c != nil && len(c.Orders) > complexOrderCount {
		return true
	}
	if i == nil {
		return false
	}
	switch i.Intent {
	case "technical_support", "product_compatibility", "bulk_order":
		return true
	}
	return false
}

// insertPriorityStep fast-tracks response generation: the generator is
// inserted right after the current step unless it already sits within the
// next two.
func insertPriorityStep(r *mesh.Route) {
	next := r.Remaining()
	if len(next) > 2 {
		next = next[:2]
	}
	for _, s := range next {
		if s == mesh.StageResponseGenerator {
			return
		}
	}
	r.InsertAfterCurrent(mesh.StageResponseGenerator)
}

// ensureExecutionCoordinator guarantees the coordinator runs before the
// response generator.
func ensureExecutionCoordinator(r *mesh.Route) {
	if r.IndexOf(mesh.StageExecutionCoordinator) >= 0 {
		return
	}
	if i := r.IndexOf(mesh.StageResponseGenerator); i >= 0 {
		r.InsertAt(i, mesh.StageExecutionCoordinator)
	} else {
		r.Steps = append(r.Steps, mesh.StageExecutionCoordinator)
	}
}

// addHumanReview guarantees the escalation stage runs before delivery.
func addHumanReview(r *mesh.Route) {
	if r.IndexOf(mesh.StageEscalationRouter) >= 0 {
		return
	}
	if i := r.IndexOf(mesh.StageResponseAggregator); i >= 0 {
		r.InsertAt(i, mesh.StageEscalationRouter)
	} else {
		r.Steps = append(r.Steps, mesh.StageEscalationRouter)
	}
}

// addEnhancedProcessing guarantees a context lookup still ahead of the
// cursor for complex queries.
func addEnhancedProcessing(r *mesh.Route) {
	for _, s := range r.Remaining() {
		if s == mesh.StageContextRetriever {
			return
		}
	}
	r.InsertAfterCurrent(mesh.StageContextRetriever)
}
