package processors

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/meshline/supportmesh/internal/mesh"
)

const (
	maxActionsPerMessage = 5
	maxAutoRefund        = 500.0
)

// OrderActions is the slice of the downstream surface the coordinator calls.
// *downstream.Client satisfies it; tests plug in fakes.
type OrderActions interface {
	ExpediteOrder(ctx context.Context, orderID string) error
	CancelOrder(ctx context.Context, orderID, reason string) error
	ProcessRefund(ctx context.Context, orderID string, amount float64, reason string) error
}

// plannedAction is one action the coordinator derived from the enrichments.
type plannedAction struct {
	name    string
	orderID string
	amount  float64
}

// ExecutionCoordinator turns the analyzed intent into concrete downstream
// calls: cancellations, refunds, and expedites against the orders service.
// Individual action failures are recorded in the result, not raised; only a
// plan with zero successful actions counts as a stage failure.
type ExecutionCoordinator struct {
	orders OrderActions
	logger *slog.Logger
}

// NewExecutionCoordinator builds the coordinator.
func NewExecutionCoordinator(orders OrderActions, logger *slog.Logger) *ExecutionCoordinator {
	return &ExecutionCoordinator{
		orders: orders,
		logger: logger.With("component", "execution_coordinator"),
	}
}

func (c *ExecutionCoordinator) Stage() mesh.Stage { return mesh.StageExecutionCoordinator }

func (c *ExecutionCoordinator) Process(ctx context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	plan := c.planActions(p)
	if len(plan) == 0 {
		return &mesh.ExecutionResult{Success: true}, nil
	}
	if len(plan) > maxActionsPerMessage {
		plan = plan[:maxActionsPerMessage]
	}

	result := &mesh.ExecutionResult{}
	anyOK := false
	for _, a := range plan {
		res := c.run(ctx, a)
		if res.Success {
			anyOK = true
		}
		result.Actions = append(result.Actions, res)
	}
	result.Success = anyOK

	if !anyOK {
		return nil, mesh.Errorf(mesh.KindTransient, "all %d planned actions failed", len(plan))
	}
	return result, nil
}

// planActions maps the intent onto downstream calls, resolving the target
// order from extracted entities first and the freshest known order second.
func (c *ExecutionCoordinator) planActions(p *mesh.Payload) []plannedAction {
	if p.Intent == nil {
		return nil
	}
	orderID := targetOrder(p)
	if orderID == "" {
		// Nothing to act on without an order; the generator explains that.
		return nil
	}

	switch p.Intent.Intent {
	case "order_cancellation":
		return []plannedAction{{name: "cancel_order", orderID: orderID}}
	case "refund_request":
		amount := refundAmount(p)
		if amount > maxAutoRefund {
			// Above the automatic ceiling; leave it for a human.
			c.logger.Info("refund above automatic ceiling, skipping",
				"order_id", orderID, "amount", amount)
			return nil
		}
		return []plannedAction{{name: "process_refund", orderID: orderID, amount: amount}}
	case "delivery_issue", "shipping_change":
		return []plannedAction{{name: "expedite_order", orderID: orderID}}
	}
	return nil
}

func (c *ExecutionCoordinator) run(ctx context.Context, a plannedAction) mesh.ActionResult {
	var err error
	switch a.name {
	case "cancel_order":
		err = c.orders.CancelOrder(ctx, a.orderID, "customer request")
	case "process_refund":
		err = c.orders.ProcessRefund(ctx, a.orderID, a.amount, "customer request")
	case "expedite_order":
		err = c.orders.ExpediteOrder(ctx, a.orderID)
	default:
		err = fmt.Errorf("unknown action %q", a.name)
	}

	res := mesh.ActionResult{Action: a.name, Target: a.orderID, Success: err == nil}
	if err != nil {
		res.Detail = err.Error()
		c.logger.Warn("action failed", "action", a.name, "order_id", a.orderID, "error", err)
	} else {
		c.logger.Info("action executed", "action", a.name, "order_id", a.orderID)
	}
	return res
}

// targetOrder prefers an order number the customer named over the most
// recent order from context.
func targetOrder(p *mesh.Payload) string {
	if p.Intent != nil {
		for _, e := range p.Intent.Entities {
			if e.Type == "order_number" {
				return strings.TrimPrefix(e.Value, "#")
			}
		}
	}
	if p.Context != nil && len(p.Context.Orders) > 0 {
		return p.Context.Orders[0].OrderID
	}
	return ""
}

// refundAmount takes an amount the customer named, else the order total,
// else zero (a full-order refund resolved downstream).
func refundAmount(p *mesh.Payload) float64 {
	if p.Intent != nil {
		for _, e := range p.Intent.Entities {
			if e.Type != "amount" {
				continue
			}
			raw := strings.ReplaceAll(strings.TrimPrefix(e.Value, "$"), ",", "")
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v
			}
		}
	}
	if p.Context != nil && len(p.Context.Orders) > 0 {
		return p.Context.Orders[0].Total
	}
	return 0
}
