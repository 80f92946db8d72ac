// Package mesh defines the message envelope, route, and stage identities
// shared by every actor in the support pipeline. It carries no broker or
// transport dependencies so that actors, the gateway, and tests can all
// speak the same wire schema.
package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Route is the ordered list of stages a message still has to visit, plus a
// cursor marking the stage that currently owns it.
type Route struct {
	Steps        []Stage `json:"steps"`
	CurrentStep  int     `json:"current_step"`
	ErrorHandler Stage   `json:"error_handler,omitempty"`
}

// Current returns the stage at the cursor, or "" when the route is empty or
// the cursor ran past the end.
func (r *Route) Current() Stage {
	if r.CurrentStep >= 0 && r.CurrentStep < len(r.Steps) {
		return r.Steps[r.CurrentStep]
	}
	return ""
}

// Next returns the stage after the cursor, or "" when there is none.
func (r *Route) Next() Stage {
	if r.CurrentStep+1 < len(r.Steps) {
		return r.Steps[r.CurrentStep+1]
	}
	return ""
}

// Advance moves the cursor one step forward. It returns false and leaves the
// cursor unchanged when the route is already at its last step.
func (r *Route) Advance() bool {
	if r.CurrentStep+1 < len(r.Steps) {
		r.CurrentStep++
		return true
	}
	return false
}

// IsComplete reports whether the cursor sits on the final step. An empty
// route is complete.
func (r *Route) IsComplete() bool {
	return r.CurrentStep >= len(r.Steps)-1
}

// IndexOf returns the position of stage in the route, or -1.
func (r *Route) IndexOf(stage Stage) int {
	for i, s := range r.Steps {
		if s == stage {
			return i
		}
	}
	return -1
}

// Remaining returns the steps strictly after the cursor.
func (r *Route) Remaining() []Stage {
	if r.CurrentStep+1 >= len(r.Steps) {
		return nil
	}
	return r.Steps[r.CurrentStep+1:]
}

// InsertAfterCurrent places stage immediately after the cursor.
func (r *Route) InsertAfterCurrent(stage Stage) {
	r.InsertAt(r.CurrentStep+1, stage)
}

// InsertAt inserts stage at index i, clamping i into [0, len].
func (r *Route) InsertAt(i int, stage Stage) {
	if i < 0 {
		i = 0
	}
	if i > len(r.Steps) {
		i = len(r.Steps)
	}
	r.Steps = append(r.Steps, "")
	copy(r.Steps[i+1:], r.Steps[i:])
	r.Steps[i] = stage
}

// ErrorRecord is one entry of the payload's error state and recovery log.
type ErrorRecord struct {
	Type      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	Actor     Stage     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Sentiment is the enrichment written by the sentiment analyzer.
type Sentiment struct {
	Label     string   `json:"label"`     // "positive", "neutral", "negative"
	Intensity float64  `json:"intensity"` // 0..1
	Urgency   string   `json:"urgency"`   // "low", "medium", "high", "critical"
	Keywords  []string `json:"keywords,omitempty"`
}

// Entity is a single extracted entity from the customer message.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Intent is the enrichment written by the intent analyzer.
type Intent struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   []Entity `json:"entities,omitempty"`
}

// Customer is the downstream customer profile attached to the context.
type Customer struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Tier       string `json:"tier,omitempty"` // "standard", "premium", "VIP"
}

// Order is a downstream order summary attached to the context.
type Order struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	Total          float64 `json:"total,omitempty"`
	TrackingNumber string  `json:"tracking_number,omitempty"`
}

// Handoff records an escalation to a human agent.
type Handoff struct {
	EscalatedAt       time.Time `json:"escalated_at"`
	Reason            string    `json:"escalation_reason"`
	QueuePosition     int       `json:"queue_position"`
	EstimatedWaitTime string    `json:"estimated_wait_time"`
}

// Context is the enrichment written by the context retriever (and appended
// to by the escalation router for handoff records).
type Context struct {
	Customer   *Customer `json:"customer,omitempty"`
	Orders     []Order   `json:"orders,omitempty"`
	Escalation *Handoff  `json:"escalation,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
}

// GuardrailCheck is the enrichment written by the guardrail validator.
type GuardrailCheck struct {
	Passed     bool     `json:"passed"`
	Checks     []string `json:"checks,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// ActionResult records one executed downstream action.
type ActionResult struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// ExecutionResult is the enrichment written by the execution coordinator.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Actions []ActionResult `json:"actions,omitempty"`
}

// Payload carries the immutable request core plus append-only enrichment
// slots. Each slot is written by exactly one kind of stage.
type Payload struct {
	CustomerMessage string `json:"customer_message"`
	CustomerEmail   string `json:"customer_email"`

	Sentiment       *Sentiment       `json:"sentiment,omitempty"`
	Intent          *Intent          `json:"intent,omitempty"`
	Context         *Context         `json:"context,omitempty"`
	Response        string           `json:"response,omitempty"`
	GuardrailCheck  *GuardrailCheck  `json:"guardrail_check,omitempty"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`

	Error       *ErrorRecord  `json:"error,omitempty"`
	RecoveryLog []ErrorRecord `json:"recovery_log"`
}

// Metadata is the free-form side channel for cross-cutting concerns.
type Metadata map[string]any

// Well-known metadata keys.
const (
	MetaCreatedAt       = "created_at"
	MetaRetryCount      = "retry_count"
	MetaLastRetryAt     = "last_retry_at"
	MetaAPIRequest      = "api_request"
	MetaConnectionID    = "connection_id"
	MetaResponseSubject = "response_subject"
	MetaFallbackUsed    = "fallback_used"
	MetaFallbackReason  = "fallback_reason"
	MetaEmergency       = "emergency_fallback"
)

// Message is the unit of work that crosses the mesh. It is owned by exactly
// one actor at a time; ownership transfers at publish.
type Message struct {
	MessageID string   `json:"message_id"`
	SessionID string   `json:"session_id"`
	Route     Route    `json:"route"`
	Payload   Payload  `json:"payload"`
	Metadata  Metadata `json:"metadata"`
}

// NewSessionID mints a session identifier for clients that did not supply one.
func NewSessionID() string {
	return "session-" + uuid.NewString()
}

// NewMessage builds a fresh message with a generated id, cursor at zero, and
// the created_at / retry_count metadata seeded.
func NewMessage(sessionID string, route Route, customerMessage, customerEmail string) *Message {
	m := &Message{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Route:     route,
		Payload: Payload{
			CustomerMessage: customerMessage,
			CustomerEmail:   customerEmail,
			RecoveryLog:     []ErrorRecord{},
		},
		Metadata: Metadata{},
	}
	m.Metadata[MetaCreatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	m.Metadata[MetaRetryCount] = 0
	return m
}

// AddError records an error on the payload and appends it to the recovery log.
func (m *Message) AddError(kind ErrorKind, msg string, actor Stage) {
	rec := ErrorRecord{
		Type:      kind,
		Message:   msg,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	m.Payload.Error = &rec
	m.Payload.RecoveryLog = append(m.Payload.RecoveryLog, rec)
}

// ClearError drops the current error slot. The recovery log is never cleared.
func (m *Message) ClearError() {
	m.Payload.Error = nil
}

// RetryCount reads the retry counter from metadata. JSON round-trips turn
// ints into float64, so both representations are accepted.
func (m *Message) RetryCount() int {
	switch v := m.Metadata[MetaRetryCount].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// IncrementRetry bumps the retry counter and stamps the retry time.
func (m *Message) IncrementRetry() {
	if m.Metadata == nil {
		m.Metadata = Metadata{}
	}
	m.Metadata[MetaRetryCount] = m.RetryCount() + 1
	m.Metadata[MetaLastRetryAt] = time.Now().UTC().Format(time.RFC3339Nano)
}

// CreatedAt parses the creation timestamp, returning the zero time when the
// metadata is absent or malformed.
func (m *Message) CreatedAt() time.Time {
	s, ok := m.Metadata[MetaCreatedAt].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MetaString reads a string-valued metadata key.
func (m *Message) MetaString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaBool reads a bool-valued metadata key.
func (m *Message) MetaBool(key string) bool {
	b, _ := m.Metadata[key].(bool)
	return b
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode message %s: %w", m.MessageID, err)
	}
	return data, nil
}

// Decode parses a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mesh: decode message: %w", err)
	}
	if m.Metadata == nil {
		m.Metadata = Metadata{}
	}
	if m.Payload.RecoveryLog == nil {
		m.Payload.RecoveryLog = []ErrorRecord{}
	}
	return &m, nil
}

// Enrichment is one named slot a processor writes into the payload.
type Enrichment interface {
	Apply(p *Payload)
}

func (s *Sentiment) Apply(p *Payload)       { p.Sentiment = s }
func (i *Intent) Apply(p *Payload)          { p.Intent = i }
func (c *Context) Apply(p *Payload)         { p.Context = c }
func (g *GuardrailCheck) Apply(p *Payload)  { p.GuardrailCheck = g }
func (e *ExecutionResult) Apply(p *Payload) { p.ExecutionResult = e }

// ResponseText wraps the generated response string so that the response
// generator can return it through the same Enrichment contract.
type ResponseText string

func (r ResponseText) Apply(p *Payload) { p.Response = string(r) }
