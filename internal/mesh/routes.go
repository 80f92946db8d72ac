package mesh

// Standard route presets for the common workflows. The gateway seeds new
// messages with FullSupportRoute; the others exist for partial reprocessing
// and for the pipelines config file to override.

// FullSupportRoute is the complete flow from analysis to delivery.
func FullSupportRoute() Route {
	return Route{
		Steps: []Stage{
			StageSentimentAnalyzer,
			StageIntentAnalyzer,
			StageContextRetriever,
			StageDecisionRouter,
			StageResponseGenerator,
			StageGuardrailValidator,
			StageResponseAggregator,
		},
		ErrorHandler: StageEscalationRouter,
	}
}

// ComplaintAnalysisRoute covers analysis up to the routing decision.
func ComplaintAnalysisRoute() Route {
	return Route{
		Steps: []Stage{
			StageSentimentAnalyzer,
			StageIntentAnalyzer,
			StageContextRetriever,
			StageDecisionRouter,
		},
		ErrorHandler: StageEscalationRouter,
	}
}

// ResponseGenerationRoute covers generation and validation only.
func ResponseGenerationRoute() Route {
	return Route{
		Steps: []Stage{
			StageResponseGenerator,
			StageGuardrailValidator,
			StageResponseAggregator,
		},
		ErrorHandler: StageEscalationRouter,
	}
}

// ActionExecutionRoute executes approved actions and delivers.
func ActionExecutionRoute() Route {
	return Route{
		Steps: []Stage{
			StageExecutionCoordinator,
			StageResponseAggregator,
		},
		ErrorHandler: StageEscalationRouter,
	}
}

// EscalationRoute is the collapsed route the decision router installs for
// immediate escalations.
func EscalationRoute() Route {
	return Route{
		Steps: []Stage{
			StageEscalationRouter,
			StageResponseAggregator,
		},
		ErrorHandler: StageEscalationRouter,
	}
}
