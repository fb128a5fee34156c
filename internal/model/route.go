package model

import "strings"

// HealthStatus is a route's coarse-grained health as tracked by config
// reloads and the Health Manager.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderType is the wire flavor a route speaks.
type ProviderType string

const (
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderAnthropicNative  ProviderType = "anthropic-native"
	ProviderOther            ProviderType = "other"
)

// RouteMetadata holds the endpoint details the Protocol layer needs.
type RouteMetadata struct {
	Endpoint      string
	APIKeyRef     string // resolved key, or a reference the config loader already resolved
	CustomHeaders map[string]string
}

// RouteInfo is the static descriptor of one backend endpoint.
// Mutated only by the Health Manager and configuration reloads.
type RouteInfo struct {
	ID              string
	ProviderID      string
	ProviderType    ProviderType
	SupportedModels []string // glob entries, "*" = any
	Weight          float64
	Available       bool
	Health          HealthStatus
	Tags            []string
	Metadata        RouteMetadata
	TimeoutMs       int
	MaxRetries      int
}

// SupportsModel reports whether this route's glob list matches model.
func (r RouteInfo) SupportsModel(model string) bool {
	for _, g := range r.SupportedModels {
		if g == "*" {
			return true
		}
		if globMatch(g, model) {
			return true
		}
	}
	return false
}

// globMatch supports a single leading or trailing "*" wildcard: exact
// match otherwise.
func globMatch(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// PipelineID identifies a concrete (provider, model, credential) tuple,
// shape "<provider>-<model-sanitized>-<keyIndex>".
type PipelineID string

// NewPipelineID builds the canonical PipelineID for a route/model pair.
func NewPipelineID(providerID, model string, keyIndex int) PipelineID {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, model)
	return PipelineID(providerID + "-" + sanitized + "-" + itoa(keyIndex))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
