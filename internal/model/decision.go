package model

import "time"

// RoutingDecision is the Core Router's output for one request.
// Immutable; retained in the decision-history ring buffer.
type RoutingDecision struct {
	RequestID          string
	ProviderID         string
	Model              string
	Route              RouteInfo
	Reasoning          string
	Confidence         int // [0,100]
	EstimatedLatencyMs int
	DecisionTime       time.Time
	ProcessingTimeMs   float64
	Siblings           []RouteInfo // ordered, best-score first, excludes Route itself
}

// PipelineID returns the canonical pipeline identity for the selected route.
func (d RoutingDecision) PipelineID() PipelineID {
	return NewPipelineID(d.Route.ProviderID, d.Model, 0)
}

// AllCandidates returns Route followed by Siblings, the full ordered
// attempt list the Execution Manager consumes.
func (d RoutingDecision) AllCandidates() []RouteInfo {
	out := make([]RouteInfo, 0, len(d.Siblings)+1)
	out = append(out, d.Route)
	out = append(out, d.Siblings...)
	return out
}
