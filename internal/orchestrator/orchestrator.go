// Package orchestrator drives the six pipeline layers end to end for one
// inbound request: Core Router -> Transformer -> Protocol ->
// ServerCompatibility -> Server layer (wrapped by the Execution Manager's
// retry loop) -> ResponseTransformer. It owns no wire-format knowledge of
// its own; every conversion is delegated to the layer packages it wires
// together.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-ai/routing-engine/internal/compat"
	"github.com/tributary-ai/routing-engine/internal/executor"
	"github.com/tributary-ai/routing-engine/internal/httpclient"
	"github.com/tributary-ai/routing-engine/internal/model"
	"github.com/tributary-ai/routing-engine/internal/protocol"
	"github.com/tributary-ai/routing-engine/internal/respond"
	"github.com/tributary-ai/routing-engine/internal/router"
	"github.com/tributary-ai/routing-engine/internal/serverlayer"
	"github.com/tributary-ai/routing-engine/internal/telemetry"
	"github.com/tributary-ai/routing-engine/internal/transform"
	"github.com/tributary-ai/routing-engine/internal/wireshapes"
)

// Dependencies wires the already-constructed layer components an
// Orchestrator drives. None of these are owned or constructed here; the
// daemon's bootstrap (cmd/llm-router) builds them from the loaded
// configuration and passes them in.
type Dependencies struct {
	Router      *router.CoreRouter
	Executor    *executor.Manager
	ServerLayer *serverlayer.Layer
	Telemetry   *telemetry.Provider // nil disables span/metric recording

	// ProviderAPIKeys/ProviderQuirks are keyed by provider id (the same id
	// as model.RouteInfo.ProviderID), resolved once at config-load time.
	ProviderAPIKeys map[string][]string
	ProviderQuirks  map[string]compat.Quirks

	// MaxConcurrent caps in-flight outbound executions
	// (performance.maxConcurrentDecisions); <=0 means 100.
	// QueueWait bounds how long an excess request may wait for a slot
	// before failing with a Timeout-flavored error; <=0 means 30s.
	MaxConcurrent int
	QueueWait     time.Duration

	Logger *logrus.Logger
}

// Orchestrator is the request-scoped driver; one instance is shared across
// every inbound request.
type Orchestrator struct {
	router      *router.CoreRouter
	exec        *executor.Manager
	serverLayer *serverlayer.Layer
	telemetry   *telemetry.Provider
	apiKeys     map[string][]string
	quirks      map[string]compat.Quirks
	sem         chan struct{}
	queueWait   time.Duration
	log         *logrus.Entry
}

// New builds an Orchestrator from Dependencies.
func New(deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logrus.New()
	}
	maxConcurrent := deps.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	queueWait := deps.QueueWait
	if queueWait <= 0 {
		queueWait = 30 * time.Second
	}
	return &Orchestrator{
		router:      deps.Router,
		exec:        deps.Executor,
		serverLayer: deps.ServerLayer,
		telemetry:   deps.Telemetry,
		apiKeys:     deps.ProviderAPIKeys,
		quirks:      deps.ProviderQuirks,
		sem:         make(chan struct{}, maxConcurrent),
		queueWait:   queueWait,
		log:         log.WithField("component", "orchestrator"),
	}
}

// Result is what Execute hands back to the HTTP layer: a body already
// shaped for the caller's protocol (success envelope or error envelope)
// plus the status code to write.
type Result struct {
	Body   map[string]interface{}
	Status int
}

// Execute runs one caller request through every pipeline layer and returns
// a Result ready to be marshaled straight onto the wire. callerFormat is
// "anthropic" or "openai", matching req.Metadata.OriginFormat.
func (o *Orchestrator) Execute(ctx context.Context, req *model.RoutingRequest, callerFormat string) Result {
	if err := req.Validate(); err != nil {
		return o.errorResult(model.NewError(model.ErrValidation, "orchestrator", err.Error(), err), callerFormat)
	}

	if o.telemetry != nil {
		var span trace.Span
		ctx, span = o.telemetry.StartSpan(ctx, "orchestrator.execute",
			attribute.String("request.id", req.ID),
			attribute.String("request.model", req.Model),
			attribute.String("request.category", req.Category),
		)
		defer span.End()
	}

	decision, err := o.router.Route(req)
	if err != nil {
		o.recordFailure(ctx)
		ee, ok := err.(*model.EngineError)
		if !ok {
			ee = model.NewError(model.ErrRoutingRuleNotFound, "orchestrator", err.Error(), err)
		}
		return o.errorResult(ee, callerFormat)
	}
	o.recordRequest(ctx, decision)

	if err := o.acquireSlot(ctx); err != nil {
		o.recordFailure(ctx)
		return o.errorResult(model.NewError(model.ErrProviderTimeout, "orchestrator",
			"queue wait for an execution slot exceeded the execution budget", err), callerFormat)
	}
	defer o.releaseSlot()

	lastProviderType := decision.Route.ProviderType
	do := func(ctx context.Context, route model.RouteInfo, pipelineID model.PipelineID) (map[string]interface{}, error) {
		lastProviderType = route.ProviderType
		return o.attempt(ctx, req, route, pipelineID)
	}

	result := o.exec.Run(ctx, decision, do)
	o.recordLatency(ctx, result)

	if !result.Success {
		ee := result.Error
		if ee == nil {
			ee = model.NewError(model.ErrProviderUnavailable, "orchestrator", "execution failed with no recorded cause", nil)
		}
		o.recordFailure(ctx)
		o.log.WithFields(logrus.Fields{
			"request_id": req.ID,
			"status":     result.Status,
			"attempts":   len(result.Attempts),
		}).Warn("request execution failed")
		return o.errorResult(ee, callerFormat)
	}

	providerFormat := formatForProviderType(lastProviderType)
	body, err := respond.ToCallerProtocol(result.ResponseBody, providerFormat, callerFormat)
	if err != nil {
		return o.errorResult(model.NewError(model.ErrProviderFailure, "orchestrator", err.Error(), err), callerFormat)
	}
	return Result{Body: body, Status: 200}
}

// acquireSlot blocks until an outbound execution slot frees up, the caller
// cancels, or the queue wait budget runs out.
func (o *Orchestrator) acquireSlot(ctx context.Context) error {
	t := time.NewTimer(o.queueWait)
	defer t.Stop()
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return context.DeadlineExceeded
	}
}

func (o *Orchestrator) releaseSlot() {
	<-o.sem
}

// attempt runs Transformer -> Protocol -> ServerCompatibility -> Server
// layer for a single candidate route. It is the Attempt
// closure the Execution Manager invokes, once per distinct or
// same-pipeline retry.
func (o *Orchestrator) attempt(ctx context.Context, req *model.RoutingRequest, route model.RouteInfo, pipelineID model.PipelineID) (map[string]interface{}, error) {
	targetFormat := formatForProviderType(route.ProviderType)

	wireBody, err := transform.ToTargetProtocol(req, req.Model, targetFormat)
	if err != nil {
		return nil, attachPipeline(err, pipelineID)
	}
	if err := checkTargetShape(wireBody, targetFormat, "transform"); err != nil {
		return nil, attachPipeline(err, pipelineID)
	}

	wireBody, err = compat.Apply(wireBody, o.quirks[route.ProviderID])
	if err != nil {
		return nil, attachPipeline(err, pipelineID)
	}
	if err := checkTargetShape(wireBody, targetFormat, "compat"); err != nil {
		return nil, attachPipeline(err, pipelineID)
	}

	pctx, err := protocol.Resolve(route, req.Model, o.apiKeys[route.ProviderID])
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, "orchestrator", err.Error(), err).WithPipeline(pipelineID)
	}

	raw, err := json.Marshal(wireBody)
	if err != nil {
		return nil, model.NewError(model.ErrValidation, "orchestrator", err.Error(), err).WithPipeline(pipelineID)
	}

	opts := httpclient.Options{
		Method:  "POST",
		Headers: requestHeaders(pctx),
		Body:    raw,
		Timeout: time.Duration(pctx.TimeoutMs) * time.Millisecond,
	}

	result, err := o.serverLayer.Call(ctx, pipelineID, pctx.Endpoint, opts, serverlayer.Config{
		TimeoutMs:  pctx.TimeoutMs,
		MaxRetries: pctx.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

func requestHeaders(pctx *protocol.ModuleProcessingContext) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range pctx.CustomHeaders {
		headers[k] = v
	}
	switch pctx.ProviderType {
	case model.ProviderAnthropicNative:
		headers["x-api-key"] = pctx.APIKey
		headers["anthropic-version"] = "2023-06-01"
	default:
		headers["Authorization"] = "Bearer " + pctx.APIKey
	}
	return headers
}

func formatForProviderType(pt model.ProviderType) string {
	if pt == model.ProviderAnthropicNative {
		return "anthropic"
	}
	return "openai"
}

// checkTargetShape enforces the inter-layer format invariants: a layer
// feeding an OpenAI-compatible target must hand over a non-empty body with
// top-level model + messages and none of the Anthropic-only markers
// (type, stop_reason, stop_sequences, system, or a top-level content
// array). A body bound for an anthropic-native target gets only the
// non-empty, model and messages checks; no OpenAI-only fields are looked
// for. A violation is a ProviderFailure, never silently patched over.
func checkTargetShape(body map[string]interface{}, targetFormat, layer string) error {
	if len(body) == 0 {
		return model.NewError(model.ErrProviderFailure, layer, "layer produced an empty body", nil)
	}
	if _, ok := body["model"]; !ok {
		return model.NewError(model.ErrProviderFailure, layer, "layer output is missing top-level model", nil)
	}
	if _, ok := body["messages"]; !ok {
		return model.NewError(model.ErrProviderFailure, layer, "layer output is missing top-level messages", nil)
	}
	if targetFormat == "openai" {
		for _, field := range []string{"type", "content", "stop_reason", "stop_sequences", "system"} {
			if _, ok := body[field]; ok {
				return model.NewError(model.ErrProviderFailure, layer,
					fmt.Sprintf("anthropic-only field %q in a body bound for an openai-compatible target", field), nil)
			}
		}
	}
	return nil
}

func attachPipeline(err error, pipelineID model.PipelineID) error {
	if ee, ok := err.(*model.EngineError); ok {
		return ee.WithPipeline(pipelineID)
	}
	return err
}

// errorResult renders ee as a caller-facing error envelope, in the
// Anthropic or OpenAI error shape. A zero-fallback engine
// never synthesizes a fake success here; this is always a genuine failure
// surfaced structurally.
func (o *Orchestrator) errorResult(ee *model.EngineError, callerFormat string) Result {
	status := ee.HTTPStatus()

	var body map[string]interface{}
	var err error
	if callerFormat == "anthropic" {
		body, err = toMap(wireshapes.AnthropicErrorResponse{
			Type: "error",
			Error: wireshapes.AnthropicErrorBody{
				Type:    string(ee.Kind),
				Message: ee.Message,
			},
		})
	} else {
		body, err = toMap(wireshapes.OpenAIErrorResponse{
			Error: wireshapes.OpenAIErrorBody{
				Message: ee.Message,
				Type:    string(ee.Kind),
				Code:    strconv.Itoa(status),
			},
		})
	}
	if err != nil {
		body = map[string]interface{}{"error": map[string]interface{}{"message": ee.Message, "type": string(ee.Kind)}}
	}
	return Result{Body: body, Status: status}
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) recordRequest(ctx context.Context, decision *model.RoutingDecision) {
	if o.telemetry == nil || o.telemetry.Instruments() == nil {
		return
	}
	o.telemetry.Instruments().RequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", decision.Model), attribute.String("provider", decision.ProviderID),
	))
}

func (o *Orchestrator) recordFailure(ctx context.Context) {
	if o.telemetry == nil || o.telemetry.Instruments() == nil {
		return
	}
	o.telemetry.Instruments().FailuresTotal.Add(ctx, 1)
}

func (o *Orchestrator) recordLatency(ctx context.Context, result model.ExecutionResult) {
	if o.telemetry == nil || o.telemetry.Instruments() == nil {
		return
	}
	o.telemetry.Instruments().PipelineLatency.Record(ctx, result.TotalTimeMs, metric.WithAttributes(
		attribute.String("status", string(result.Status)), attribute.Bool("success", result.Success),
	))
}
