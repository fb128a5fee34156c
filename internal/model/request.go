package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is the caller-declared urgency of a RoutingRequest.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Constraints narrows the set of candidate routes a request may use.
type Constraints struct {
	PreferredProviders []string
	ExcludedProviders  []string
	RequiredFeatures   []string
	MaxLatencyMs       int
	CostPreference     string
}

// Metadata carries origin/target protocol tags and caller-supplied context.
// OriginFormat/TargetFormat drive the Transformer and ResponseTransformer
// layers; everything else is passthrough bookkeeping.
type Metadata struct {
	OriginFormat string // "anthropic" | "openai"
	TargetFormat string // usually == OriginFormat; the pipeline may differ
	SessionID    string
	TraceID      string
	UserID       string
	Custom       map[string]string
}

// RoutingRequest is the inbound-normalized request the Core Router decides
// over. Immutable once built: nothing downstream mutates it.
type RoutingRequest struct {
	ID          string
	Model       string
	Category    string
	Priority    Priority
	Metadata    Metadata
	Constraints Constraints
	Timestamp   time.Time

	// RawBody is the original wire body in the caller's protocol, decoded
	// into a generic map so the Transformer layer can read arbitrary
	// provider-specific fields without the model package depending on the
	// wire shape packages.
	RawBody map[string]interface{}
}

// Validate checks the field invariants before a RoutingRequest may be
// handed to the Core Router.
func (r *RoutingRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("routing request: id must not be empty")
	}
	if r.Model == "" {
		return fmt.Errorf("routing request: model must not be empty")
	}
	switch r.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow, "":
	default:
		return fmt.Errorf("routing request: invalid priority %q", r.Priority)
	}
	return nil
}

// NewRequestID generates a unique "req_<uuid>" request id.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
