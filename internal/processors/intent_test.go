package processors

import (
	"context"
	"testing"

	"github.com/meshline/supportmesh/internal/mesh"
)

func analyzeIntent(t *testing.T, text string) *mesh.Intent {
	t.Helper()
	a := NewIntentAnalyzer()
	enr, err := a.Process(context.Background(), &mesh.Payload{CustomerMessage: text})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	i, ok := enr.(*mesh.Intent)
	if !ok {
		t.Fatalf("enrichment type %T", enr)
	}
	return i
}

func TestIntentClassification(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"legal threat", "Fix this or I will contact my lawyer.", "legal_threat"},
		{"regulatory", "I am reporting you to the Better Business Bureau.", "regulatory_complaint"},
		{"cancellation", "Please cancel my order immediately.", "order_cancellation"},
		{"refund", "I want a refund for order #12345.", "refund_request"},
		{"shipping change", "Can you redirect the package to a different address?", "shipping_change"},
		{"payment issue", "I was charged twice for the same item.", "payment_issue"},
		{"billing", "There is a strange charge on my invoice.", "billing_inquiry"},
		{"technical", "The device is not working after setup.", "technical_support"},
		{"delivery", "My package never arrived.", "delivery_issue"},
		{"order inquiry", "Where is my order?", "order_inquiry"},
		{"escalation", "Let me talk to your manager.", "escalation_request"},
		{"compliment", "Thank you, excellent service!", "compliment"},
		{"fallback", "Hello there.", "general_inquiry"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			i := analyzeIntent(t, tc.text)
			if i.Intent != tc.want {
				t.Errorf("intent = %q, want %q", i.Intent, tc.want)
			}
		})
	}
}

func TestIntentSharperRuleWins(t *testing.T) {
	// "refund" and "order" both match; the sharper refund rule is first.
	i := analyzeIntent(t, "I want a refund on this order.")
	if i.Intent != "refund_request" {
		t.Errorf("intent = %q, want refund_request", i.Intent)
	}

	// A legal threat outranks everything else in the message.
	i = analyzeIntent(t, "Refund me or my attorney will cancel my order for me.")
	if i.Intent != "legal_threat" {
		t.Errorf("intent = %q, want legal_threat", i.Intent)
	}
}

func TestIntentConfidenceLevels(t *testing.T) {
	if i := analyzeIntent(t, "I will sue you."); i.Confidence != 0.9 {
		t.Errorf("legal threat confidence = %v", i.Confidence)
	}
	if i := analyzeIntent(t, "Hello there."); i.Confidence != 0.3 {
		t.Errorf("fallback confidence = %v", i.Confidence)
	}
}

func TestEntityExtraction(t *testing.T) {
	i := analyzeIntent(t,
		"Order ORD-A1B2C3 (also #445566) was charged $1,299.99 on 2026-08-12, contact me at jane@example.com, tracking TRK12345678.")

	byType := map[string][]string{}
	for _, e := range i.Entities {
		byType[e.Type] = append(byType[e.Type], e.Value)
		if e.Confidence != 0.8 {
			t.Errorf("entity %v confidence = %v", e, e.Confidence)
		}
	}

	wantOrders := []string{"ORD-A1B2C3", "#445566"}
	if got := byType["order_number"]; len(got) != 2 || got[0] != wantOrders[0] || got[1] != wantOrders[1] {
		t.Errorf("order_number = %v, want %v", got, wantOrders)
	}
	if got := byType["tracking_number"]; len(got) != 1 || got[0] != "TRK12345678" {
		t.Errorf("tracking_number = %v", got)
	}
	if got := byType["email_address"]; len(got) != 1 || got[0] != "jane@example.com" {
		t.Errorf("email_address = %v", got)
	}
	if got := byType["amount"]; len(got) != 1 || got[0] != "$1,299.99" {
		t.Errorf("amount = %v", got)
	}
	if got := byType["date"]; len(got) != 1 || got[0] != "2026-08-12" {
		t.Errorf("date = %v", got)
	}
}

func TestEntityDeduplication(t *testing.T) {
	i := analyzeIntent(t, "Order #12345 again, yes #12345.")
	count := 0
	for _, e := range i.Entities {
		if e.Type == "order_number" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate order numbers kept: %v", i.Entities)
	}
}

func TestEntityExtractionEmptyMessage(t *testing.T) {
	if i := analyzeIntent(t, ""); len(i.Entities) != 0 {
		t.Errorf("entities from empty message: %v", i.Entities)
	}
}
