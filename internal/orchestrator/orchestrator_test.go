package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/routing-engine/internal/blacklist"
	"github.com/tributary-ai/routing-engine/internal/events"
	"github.com/tributary-ai/routing-engine/internal/executor"
	"github.com/tributary-ai/routing-engine/internal/health"
	"github.com/tributary-ai/routing-engine/internal/httpclient"
	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/router"
	"github.com/tributary-ai/routing-engine/internal/serverlayer"
)

func newTestOrchestrator(t *testing.T, endpoint string) *Orchestrator {
	t.Helper()

	r := router.New(nil)
	r.UpdateRoutes([]model.RouteInfo{{
		ID:              "primary",
		ProviderID:      "primary",
		ProviderType:    model.ProviderOpenAICompatible,
		SupportedModels: []string{"*"},
		Weight:          1,
		Available:       true,
		Health:          model.HealthHealthy,
		Metadata:        model.RouteMetadata{Endpoint: endpoint},
	}})
	require.NoError(t, r.UpdateRules(&model.RoutingRules{
		Default: &model.RoutingRule{ID: "default", Enabled: true, RulePriority: model.RulePriorityNormal, Targets: []string{"primary"}},
	}))

	h := health.NewManager(health.DefaultConfig())
	blCfg := blacklist.DefaultConfig()
	blCfg.DataDir = t.TempDir()
	blCfg.DebounceInterval = 5 * time.Millisecond
	bl := blacklist.NewManager(blCfg, nil)
	t.Cleanup(bl.Close)
	lb := executor.NewLoadBalancer(executor.StrategyRoundRobin, h)
	exec := executor.NewManager(executor.DefaultConfig(), lb, h, bl, events.NewBus(), nil)

	layer := serverlayer.New(httpclient.New(nil), nil)

	return New(Dependencies{
		Router:          r,
		Executor:        exec,
		ServerLayer:     layer,
		ProviderAPIKeys: map[string][]string{"primary": {"test-key"}},
	})
}

func TestExecute_TranslatesAnthropicRequestToOpenAIProviderAndBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-test",
			"choices": []map[string]interface{}{{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}},
			"usage":   map[string]interface{}{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)
	req := &model.RoutingRequest{
		ID:    model.NewRequestID(),
		Model: "gpt-test",
		Metadata: model.Metadata{
			OriginFormat: "anthropic",
			TargetFormat: "anthropic",
		},
		RawBody: map[string]interface{}{
			"model":      "gpt-test",
			"max_tokens": 100,
			"messages":   []interface{}{map[string]interface{}{"role": "user", "content": "hello"}},
		},
	}

	result := o.Execute(context.Background(), req, "anthropic")

	require.Equal(t, 200, result.Status)
	assert.Equal(t, "end_turn", result.Body["stop_reason"])
	assert.Equal(t, "assistant", result.Body["role"])
}

func TestExecute_ReturnsStructuredErrorOnValidationFailure(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused.invalid")
	req := &model.RoutingRequest{Model: "gpt-test"} // missing ID

	result := o.Execute(context.Background(), req, "openai")

	assert.Equal(t, 400, result.Status)
	errBody, ok := result.Body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ValidationError", errBody["type"])
}

func TestExecute_NoModelMatchReturnsServiceUnavailable(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused.invalid")
	o.router.UpdateRoutes([]model.RouteInfo{{
		ID:              "primary",
		ProviderID:      "primary",
		ProviderType:    model.ProviderOpenAICompatible,
		SupportedModels: []string{"gpt-test"},
		Weight:          1,
		Available:       true,
		Health:          model.HealthHealthy,
		Metadata:        model.RouteMetadata{Endpoint: "http://unused.invalid"},
	}})

	req := &model.RoutingRequest{
		ID:    model.NewRequestID(),
		Model: "some-other-model",
		Metadata: model.Metadata{
			OriginFormat: "openai",
			TargetFormat: "openai",
		},
		RawBody: map[string]interface{}{"model": "some-other-model", "messages": []interface{}{}},
	}

	result := o.Execute(context.Background(), req, "openai")
	assert.Equal(t, 503, result.Status)
}

func TestExecute_QueueWaitExhaustionFailsBeforeAnyAttempt(t *testing.T) {
	o := newTestOrchestrator(t, "http://unused.invalid")
	o.sem = make(chan struct{}, 1)
	o.sem <- struct{}{} // occupy the only slot
	o.queueWait = 10 * time.Millisecond

	req := &model.RoutingRequest{
		ID:    model.NewRequestID(),
		Model: "gpt-test",
		Metadata: model.Metadata{
			OriginFormat: "openai",
			TargetFormat: "openai",
		},
		RawBody: map[string]interface{}{"model": "gpt-test", "messages": []interface{}{}},
	}

	result := o.Execute(context.Background(), req, "openai")

	assert.Equal(t, 408, result.Status)
	errBody, ok := result.Body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ProviderTimeout", errBody["type"])
}
