// Package protocol implements the Protocol layer: it attaches per-provider
// execution context (endpoint, credentials, timeouts, headers) to a
// request-local side channel without ever touching the wire body.
package protocol

import (
	"fmt"
	"strings"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// ModuleProcessingContext is the request-local side channel the Protocol
// layer populates and every downstream layer (ServerCompatibility, HTTP
// Request Handler, Server layer, Error Classifier) reads. It never
// participates in the wire body itself.
type ModuleProcessingContext struct {
	PipelineID    model.PipelineID
	ProviderID    string
	ProviderType  model.ProviderType
	Endpoint      string
	APIKey        string
	TimeoutMs     int
	MaxRetries    int
	CustomHeaders map[string]string
}

// defaultTimeoutMs/defaultMaxRetries are used when a route leaves either
// field unset (zero value).
const (
	defaultTimeoutMs  = 30000
	defaultMaxRetries = 3
)

// Resolve builds a ModuleProcessingContext for one candidate route. apiKeys
// is the provider's multi-key list as resolved by the configuration loader;
// the Protocol layer always picks the first.
func Resolve(route model.RouteInfo, model_ string, apiKeys []string) (*ModuleProcessingContext, error) {
	if route.Metadata.Endpoint == "" {
		return nil, fmt.Errorf("protocol: route %s has no endpoint configured", route.ID)
	}

	var key string
	if len(apiKeys) > 0 {
		key = apiKeys[0]
	} else {
		key = route.Metadata.APIKeyRef
	}

	timeout := route.TimeoutMs
	if timeout <= 0 {
		timeout = defaultTimeoutMs
	}
	retries := route.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	ctx := &ModuleProcessingContext{
		PipelineID:    model.NewPipelineID(route.ProviderID, model_, keyIndex(apiKeys, key)),
		ProviderID:    route.ProviderID,
		ProviderType:  route.ProviderType,
		Endpoint:      resolveCanonicalPath(route.Metadata.Endpoint, route.ProviderType),
		APIKey:        key,
		TimeoutMs:     timeout,
		MaxRetries:    retries,
		CustomHeaders: route.Metadata.CustomHeaders,
	}
	return ctx, nil
}

func keyIndex(keys []string, chosen string) int {
	for i, k := range keys {
		if k == chosen {
			return i
		}
	}
	return 0
}

// resolveCanonicalPath appends the protocol-appropriate canonical suffix
// when endpoint is a bare "/v1"-terminated base URL.
func resolveCanonicalPath(endpoint string, pt model.ProviderType) string {
	trimmed := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(trimmed, "/v1") {
		return endpoint
	}
	switch pt {
	case model.ProviderOpenAICompatible:
		return trimmed + "/chat/completions"
	case model.ProviderAnthropicNative:
		return trimmed + "/messages"
	default:
		return endpoint
	}
}
