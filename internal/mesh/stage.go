package mesh

import "fmt"

// Stage identifies one autonomous worker in the support pipeline.
// The set is closed: unknown stage names are rejected at startup rather
// than silently ignored at routing time.
type Stage string

const (
	StageSentimentAnalyzer    Stage = "sentiment_analyzer"
	StageIntentAnalyzer       Stage = "intent_analyzer"
	StageContextRetriever     Stage = "context_retriever"
	StageDecisionRouter       Stage = "decision_router"
	StageResponseGenerator    Stage = "response_generator"
	StageGuardrailValidator   Stage = "guardrail_validator"
	StageExecutionCoordinator Stage = "execution_coordinator"
	StageEscalationRouter     Stage = "escalation_router"
	StageResponseAggregator   Stage = "response_aggregator"
)

// DefaultErrorHandler receives messages whose own route has no error handler.
const DefaultErrorHandler = StageEscalationRouter

const (
	// SubjectPrefix namespaces every stage subject on the broker.
	SubjectPrefix = "support."

	// GatewayResponseSubject is where the aggregator delivers API responses.
	GatewayResponseSubject = "support.gateway.response"

	// SessionResponsePrefix scopes deliveries to a single session.
	SessionResponsePrefix = "support.response.session."

	// DeliveryErrorSubject receives notifications about failed deliveries.
	DeliveryErrorSubject = "support.error.delivery"
)

// AllStages lists every stage identity, in canonical pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageSentimentAnalyzer,
		StageIntentAnalyzer,
		StageContextRetriever,
		StageDecisionRouter,
		StageResponseGenerator,
		StageGuardrailValidator,
		StageExecutionCoordinator,
		StageEscalationRouter,
		StageResponseAggregator,
	}
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageSentimentAnalyzer, StageIntentAnalyzer, StageContextRetriever,
		StageDecisionRouter, StageResponseGenerator, StageGuardrailValidator,
		StageExecutionCoordinator, StageEscalationRouter, StageResponseAggregator:
		return true
	}
	return false
}

// Subject returns the broker subject this stage consumes from.
func (s Stage) Subject() string {
	return SubjectPrefix + string(s)
}

func (s Stage) String() string { return string(s) }

// ParseStage converts a wire-level stage name into a Stage, rejecting
// anything outside the closed set.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("mesh: unknown stage %q", name)
	}
	return s, nil
}

// ValidateSteps checks every step of a would-be route against the closed
// stage set. Used at startup when loading pipeline presets.
func ValidateSteps(steps []Stage) error {
	if len(steps) == 0 {
		return fmt.Errorf("mesh: empty route")
	}
	for _, s := range steps {
		if !s.Valid() {
			return fmt.Errorf("mesh: unknown stage %q in route", s)
		}
	}
	return nil
}
