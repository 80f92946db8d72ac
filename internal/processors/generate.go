package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshline/supportmesh/internal/mesh"
)

// ResponseGenerator drafts the customer-facing reply from whatever
// enrichments earlier stages attached: intent picks the template, context
// personalizes it, sentiment adjusts the opening tone.
type ResponseGenerator struct{}

// NewResponseGenerator builds the template-based generator.
func NewResponseGenerator() *ResponseGenerator { return &ResponseGenerator{} }

func (g *ResponseGenerator) Stage() mesh.Stage { return mesh.StageResponseGenerator }

func (g *ResponseGenerator) Process(_ context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	var b strings.Builder

	b.WriteString(greeting(p))
	b.WriteString(" ")
	b.WriteString(body(p))

	if tail := orderDetail(p); tail != "" {
		b.WriteString(" ")
		b.WriteString(tail)
	}
	if exec := executionDetail(p); exec != "" {
		b.WriteString(" ")
		b.WriteString(exec)
	}

	b.WriteString(" Is there anything else I can help you with?")
	return mesh.ResponseText(b.String()), nil
}

func greeting(p *mesh.Payload) string {
	name := ""
	if p.Context != nil && p.Context.Customer != nil {
		name = p.Context.Customer.Name
	}
	switch {
	case p.Sentiment != nil && p.Sentiment.Label == "negative" && name != "":
		return fmt.Sprintf("I'm really sorry about the trouble, %s.", name)
	case p.Sentiment != nil && p.Sentiment.Label == "negative":
		return "I'm really sorry about the trouble."
	case name != "":
		return fmt.Sprintf("Hi %s, thanks for reaching out.", name)
	default:
		return "Thanks for reaching out."
	}
}

func body(p *mesh.Payload) string {
	intent := ""
	if p.Intent != nil {
		intent = p.Intent.Intent
	}
	switch intent {
	case "order_inquiry":
		return "I've pulled up your order details and I'm checking on the latest status for you."
	case "delivery_issue":
		return "I understand the delivery hasn't gone as expected. I'm looking into what happened with the carrier right now."
	case "refund_request":
		return "I've started reviewing your refund request and will make sure it gets processed as quickly as possible."
	case "order_cancellation":
		return "I've received your cancellation request and I'm taking care of it."
	case "order_modification", "shipping_change":
		return "I've noted the change you need and I'm updating your order now."
	case "billing_inquiry", "payment_issue", "billing_update":
		return "I've reviewed the billing details on your account and I'm working to get this sorted out."
	case "technical_support":
		return "Let's get this working for you. I've noted the issue you're seeing and gathered some troubleshooting steps."
	case "product_compatibility":
		return "Good question about compatibility. I've checked the product specifications for you."
	case "bulk_order":
		return "Thanks for your interest in a bulk order. I've flagged your request for our sales team with priority."
	case "account_update":
		return "I've applied the account changes you asked for."
	case "compliment":
		return "That's wonderful to hear, and I'll pass your kind words along to the team."
	default:
		return "I've reviewed your message and I'm happy to help."
	}
}

// orderDetail surfaces the most recent order when the conversation is about
// orders or deliveries.
func orderDetail(p *mesh.Payload) string {
	if p.Context == nil || len(p.Context.Orders) == 0 || p.Intent == nil {
		return ""
	}
	switch p.Intent.Intent {
	case "order_inquiry", "delivery_issue", "order_cancellation", "order_modification", "shipping_change":
	default:
		return ""
	}
	o := p.Context.Orders[0]
	if o.TrackingNumber != "" {
		return fmt.Sprintf("Your most recent order %s is currently %s (tracking %s).", o.OrderID, o.Status, o.TrackingNumber)
	}
	return fmt.Sprintf("Your most recent order %s is currently %s.", o.OrderID, o.Status)
}

// executionDetail summarizes actions the execution coordinator already ran.
func executionDetail(p *mesh.Payload) string {
	if p.ExecutionResult == nil || len(p.ExecutionResult.Actions) == 0 {
		return ""
	}
	var done []string
	for _, a := range p.ExecutionResult.Actions {
		if a.Success {
			done = append(done, strings.ReplaceAll(a.Action, "_", " "))
		}
	}
	if len(done) == 0 {
		return "I wasn't able to complete the requested changes automatically, so a specialist will follow up shortly."
	}
	return fmt.Sprintf("I've already taken care of the following for you: %s.", strings.Join(done, ", "))
}
