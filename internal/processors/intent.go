package processors

import (
	"context"
	"regexp"
	"strings"

	"github.com/meshline/supportmesh/internal/mesh"
)

// intentRule maps trigger keywords in the customer message to one intent of
// the routing taxonomy. Rules are evaluated in order; the first hit wins, so
// the sharper intents sit above the broad ones.
type intentRule struct {
	intent     string
	confidence float64
	keywords   []string
}

var intentRules = []intentRule{
	{"legal_threat", 0.9, []string{"sue", "lawyer", "lawsuit", "legal action", "attorney", "court"}},
	{"regulatory_complaint", 0.85, []string{"consumer protection", "better business bureau", "regulator", "ftc"}},
	{"formal_complaint", 0.8, []string{"formal complaint", "file a complaint", "official complaint"}},
	{"order_cancellation", 0.8, []string{"cancel my order", "cancel the order", "cancellation"}},
	{"refund_request", 0.8, []string{"refund", "money back", "charge back", "chargeback"}},
	{"shipping_change", 0.75, []string{"change my address", "change the address", "redirect", "reroute", "different address"}},
	{"order_modification", 0.75, []string{"change my order", "modify my order", "add to my order"}},
	{"billing_update", 0.75, []string{"update my card", "change payment", "new card", "update billing"}},
	{"account_update", 0.75, []string{"update my account", "change my email", "change my password", "update my profile"}},
	{"payment_issue", 0.75, []string{"charged twice", "double charge", "payment failed", "declined", "overcharged"}},
	{"billing_inquiry", 0.7, []string{"charge", "billing", "invoice", "bill"}},
	{"product_compatibility", 0.7, []string{"compatible", "compatibility", "work with", "works with"}},
	{"bulk_order", 0.7, []string{"bulk", "wholesale", "large quantity", "500 units", "quote"}},
	{"technical_support", 0.7, []string{"doesn't work", "not working", "setup", "install", "configure", "troubleshoot", "broken", "defective"}},
	{"delivery_issue", 0.7, []string{"delivery", "deliver", "shipping", "shipped", "carrier", "lost package", "never arrived"}},
	{"order_inquiry", 0.7, []string{"order", "tracking", "status", "where is"}},
	{"escalation_request", 0.8, []string{"manager", "supervisor", "escalate"}},
	{"compliment", 0.6, []string{"thank", "great", "excellent", "love it", "awesome"}},
}

// Entity extraction patterns, in a fixed order so extraction output is
// deterministic across runs.
var entityPatterns = []struct {
	typ string
	re  *regexp.Regexp
}{
	{"order_number", regexp.MustCompile(`(?i)\bORD-[A-Z0-9]{4,12}\b|#\d{4,10}\b`)},
	{"tracking_number", regexp.MustCompile(`(?i)\bTRK[A-Z0-9]{6,12}\b`)},
	{"email_address", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"amount", regexp.MustCompile(`\$\d+(?:,\d{3})*(?:\.\d{2})?`)},
	{"date", regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)},
}

// IntentAnalyzer classifies the customer message into the routing intent
// taxonomy and extracts structured entities with regex patterns.
type IntentAnalyzer struct{}

// NewIntentAnalyzer builds the rule-based intent classifier.
func NewIntentAnalyzer() *IntentAnalyzer { return &IntentAnalyzer{} }

func (a *IntentAnalyzer) Stage() mesh.Stage { return mesh.StageIntentAnalyzer }

func (a *IntentAnalyzer) Process(_ context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	text := strings.ToLower(p.CustomerMessage)

	intent := "general_inquiry"
	confidence := 0.3
	for _, rule := range intentRules {
		if matchAny(text, rule.keywords) {
			intent = rule.intent
			confidence = rule.confidence
			break
		}
	}

	return &mesh.Intent{
		Intent:     intent,
		Confidence: confidence,
		Entities:   extractEntities(p.CustomerMessage),
	}, nil
}

func matchAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func extractEntities(message string) []mesh.Entity {
	var entities []mesh.Entity
	for _, p := range entityPatterns {
		seen := map[string]struct{}{}
		for _, val := range p.re.FindAllString(message, -1) {
			if _, dup := seen[val]; dup {
				continue
			}
			seen[val] = struct{}{}
			entities = append(entities, mesh.Entity{Type: p.typ, Value: val, Confidence: 0.8})
		}
	}
	return entities
}
