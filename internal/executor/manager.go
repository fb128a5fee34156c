// Package executor implements the Execution Manager: the outer
// retry loop that turns one RoutingDecision's candidate list into either a
// successful provider response or a structured, zero-fallback failure. It
// owns no wire format knowledge; the caller supplies a single Attempt
// closure that runs Protocol -> ServerCompatibility -> Server for one
// candidate route and returns the server layer's outcome.
//
// maxRetries bounds the number of distinct pipelines tried;
// RetrySamePipeline continuations do not consume it. They are bounded by
// the route's own MaxRetries (default 3), after which the classifier skips
// the pipeline, and by maxExecutionTime.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/blacklist"
	"github.com/tributary-ai/routing-engine/internal/errclass"
	"github.com/tributary-ai/routing-engine/internal/events"
	"github.com/tributary-ai/routing-engine/internal/health"
	"github.com/tributary-ai/routing-engine/internal/httpclient"
	"github.com/tributary-ai/routing-engine/internal/model"
)

// Config bounds one Run.
type Config struct {
	MaxRetries       int // distinct pipelines attempted, not raw HTTP attempts
	MaxExecutionTime time.Duration
}

// DefaultConfig is 3 distinct pipelines within 30 seconds.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, MaxExecutionTime: 30 * time.Second}
}

// Attempt runs one candidate pipeline end to end (Protocol through Server
// layer) and returns either a response body or a *model.EngineError. The
// Execution Manager never inspects the body; it's handed back verbatim in
// ExecutionResult.ResponseBody.
type Attempt func(ctx context.Context, route model.RouteInfo, pipelineID model.PipelineID) (map[string]interface{}, error)

// Manager runs the outer retry loop for one RoutingDecision at a time.
// A single Manager is shared across concurrent requests; all mutable state
// lives in the Health/Blacklist managers and the LoadBalancer it wraps.
type Manager struct {
	cfg    Config
	lb     *LoadBalancer
	health *health.Manager
	bl     *blacklist.Manager
	bus    *events.Bus
	log    *logrus.Entry
}

func NewManager(cfg Config, lb *LoadBalancer, h *health.Manager, bl *blacklist.Manager, bus *events.Bus, log *logrus.Logger) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{cfg: cfg, lb: lb, health: h, bl: bl, bus: bus, log: log.WithField("component", "executor")}
}

// Run drives the loop over decision.AllCandidates() until success,
// exhaustion of distinct pipelines, or maxExecutionTime elapses.
func (m *Manager) Run(ctx context.Context, decision *model.RoutingDecision, do Attempt) model.ExecutionResult {
	start := time.Now()
	deadline := start.Add(m.cfg.MaxExecutionTime)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	candidates := decision.AllCandidates()
	excluded := make(map[model.PipelineID]bool)
	var attempts []model.ExecutionAttempt
	distinctTried := 0

	for distinctTried < m.cfg.MaxRetries {
		if time.Now().After(deadline) {
			return m.finish(false, "", attempts, start, model.ExecutionFailed,
				model.NewError(model.ErrProviderTimeout, "executor", "execution time budget exhausted", nil))
		}

		eligible := m.eligible(candidates, excluded, decision.Model)
		if len(eligible) == 0 {
			return m.finish(false, "", attempts, start, model.ExecutionNoPipelines,
				model.NewError(model.ErrProviderUnavailable, "executor", "no eligible pipelines remain", nil))
		}

		route := m.lb.Pick(eligible, decision.Model)
		pipelineID := pipelineID(route, decision.Model)
		distinctTried++

		result, ended := m.runPipeline(ctx, route, pipelineID, distinctTried, do, deadline)
		attempts = append(attempts, ended...)
		if result != nil {
			m.health.RecordSuccess(pipelineID, attempts[len(attempts)-1].DurationMs())
			m.bl.ResetRateLimit(pipelineID)
			m.bus.Publish(events.ProviderExecutionSuccess, map[string]interface{}{
				"pipeline": string(pipelineID), "request_id": decision.RequestID,
			})
			res := m.finish(true, pipelineID, attempts, start, model.ExecutionSuccess, nil)
			res.ResponseBody = result
			return res
		}

		last := attempts[len(attempts)-1]
		m.health.RecordFailure(pipelineID)
		m.bus.Publish(events.ProviderExecutionFailure, map[string]interface{}{
			"pipeline": string(pipelineID), "request_id": decision.RequestID, "action": string(last.Action.Kind),
		})

		switch last.Action.Kind {
		case model.ActionFatalError:
			return m.finish(false, pipelineID, attempts, start, model.ExecutionFailed, last.Error)
		case model.ActionBlacklistPipeline, model.ActionSkipPipeline:
			excluded[pipelineID] = true
		}
	}

	var lastErr *model.EngineError
	if len(attempts) > 0 {
		lastErr = attempts[len(attempts)-1].Error
	} else {
		lastErr = model.NewError(model.ErrProviderUnavailable, "executor", "no pipelines attempted", nil)
	}
	return m.finish(false, "", attempts, start, model.ExecutionFailed, lastErr)
}

// ManualUnblock is the operator-triggered unblock path: clears pipelineID's
// temporary block and tells subscribers it happened. The 429 streak is deliberately left intact; see
// blacklist.Unblock.
func (m *Manager) ManualUnblock(pipelineID model.PipelineID) {
	m.bl.Unblock(pipelineID)
	m.bus.Publish(events.PipelineManualUnblock, map[string]interface{}{"pipeline": string(pipelineID)})
	m.log.WithField("pipeline", pipelineID).Info("pipeline manually unblocked")
}

// runPipeline executes do against one pipeline, looping on
// ActionRetrySamePipeline without consuming a distinct-attempt slot. It
// returns the response body on success, or nil with the full attempt
// history (including every same-pipeline retry) on failure.
func (m *Manager) runPipeline(ctx context.Context, route model.RouteInfo, pipelineID model.PipelineID, distinctAttempt int, do Attempt, deadline time.Time) (map[string]interface{}, []model.ExecutionAttempt) {
	var history []model.ExecutionAttempt
	sameAttempt := 0
	maxSameAttempts := route.MaxRetries
	if maxSameAttempts <= 0 {
		maxSameAttempts = 3
	}

	for {
		sameAttempt++
		m.lb.IncrementInFlight(pipelineID)
		startedAt := time.Now()
		body, err := do(ctx, route, pipelineID)
		endedAt := time.Now()
		m.lb.DecrementInFlight(pipelineID)

		attempt := model.ExecutionAttempt{
			PipelineID: pipelineID,
			Attempt:    distinctAttempt,
			StartedAt:  startedAt,
			EndedAt:    endedAt,
		}

		if err == nil {
			attempt.Success = true
			history = append(history, attempt)
			return body, history
		}

		ee := asEngineError(err)
		action := m.classify(pipelineID, ee, sameAttempt, maxSameAttempts)
		attempt.Error = ee
		attempt.Action = action
		attempt.Skipped = action.Kind == model.ActionSkipPipeline
		history = append(history, attempt)

		if action.Kind != model.ActionRetrySamePipeline {
			return nil, history
		}
		if time.Now().Add(action.RetryAfter).After(deadline) {
			// No room left in the overall budget for another same-pipeline
			// retry; surface what we have as a skip so the outer loop moves on.
			last := history[len(history)-1]
			last.Action = model.Skip(last.Action.Reason)
			history[len(history)-1] = last
			return nil, history
		}
		m.sleep(ctx, action.RetryAfter)
	}
}

// classify turns a failed attempt into an ErrorAction, handling the 429 path
// (delegated to the Blacklist Manager's consecutive-failure ladder) and the
// generic path (delegated to errclass) separately.
func (m *Manager) classify(pipelineID model.PipelineID, ee *model.EngineError, sameAttempt, maxSameAttempts int) model.ErrorAction {
	if ee != nil && ee.Status == 429 {
		switch m.bl.Handle429(pipelineID) {
		case model.BlockActionDestroy:
			m.bus.Publish(events.PipelineDestroy, map[string]interface{}{"pipeline": string(pipelineID)})
			return model.Fatal("rate_limit_destroy")
		default:
			m.bus.Publish(events.PipelineTemporaryBlock, map[string]interface{}{"pipeline": string(pipelineID)})
			return model.Blacklist(0, "rate_limit")
		}
	}

	if ee != nil && ee.Status != 0 && m.bl.ShouldDestroyPipeline(ee.Status, ee.Message) {
		m.bl.Destroy(pipelineID)
		m.bus.Publish(events.PipelineDestroy, map[string]interface{}{
			"pipeline": string(pipelineID), "status": ee.Status, "rule": "configured",
		})
		return model.Skip("destroy_rule")
	}

	obs := m.observationFor(ee, sameAttempt, maxSameAttempts)
	action := errclass.Classify(obs)
	if action.Kind == model.ActionBlacklistPipeline {
		m.bl.AddTemporaryBlock(pipelineID, action.Duration, action.Reason)
	}
	return action
}

// observationFor bridges a *model.EngineError into errclass.Observation:
// HTTP status when the Server layer got a response at all, transport kind
// otherwise, with the 2xx+unparseable-body case mapped to
// TransportInvalidJSON since the upstream technically answered but the
// Server layer could not make sense of the body. maxSameAttempts is the
// pipeline's configured retry budget, so the classifier's retry-vs-skip
// cutoff tracks the provider's own maxRetries.
func (m *Manager) observationFor(ee *model.EngineError, sameAttempt, maxSameAttempts int) errclass.Observation {
	obs := errclass.Observation{Attempt: sameAttempt, MaxAttempts: maxSameAttempts}
	if ee == nil {
		obs.Transport = errclass.TransportOther
		return obs
	}

	if ee.Status != 0 {
		if ee.Status >= 200 && ee.Status < 300 {
			obs.Transport = errclass.TransportInvalidJSON
		} else {
			obs.HTTPStatus = ee.Status
		}
		return obs
	}

	var terr *httpclient.TransportError
	if errors.As(error(ee), &terr) {
		obs.Transport = errclass.TransportErrorKind(terr.Kind)
		return obs
	}

	obs.Transport = errclass.TransportOther
	return obs
}

// eligible intersects healthy, non-blacklisted,
// non-destroyed, and not-locally-excluded candidates, keyed by the
// canonical pipeline identity (provider + request's target model).
func (m *Manager) eligible(candidates []model.RouteInfo, excluded map[model.PipelineID]bool, reqModel string) []model.RouteInfo {
	out := make([]model.RouteInfo, 0, len(candidates))
	for _, c := range candidates {
		if !c.Available {
			continue
		}
		id := pipelineID(c, reqModel)
		if excluded[id] {
			continue
		}
		if m.bl.IsDestroyed(id) || m.bl.IsBlocked(id) {
			continue
		}
		if !m.health.IsHealthy(id) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (m *Manager) finish(success bool, pipelineID model.PipelineID, attempts []model.ExecutionAttempt, start time.Time, status model.ExecutionStatus, err *model.EngineError) model.ExecutionResult {
	if !success {
		// Zero-fallback is always on: the result is surfaced as-is instead
		// of any cross-provider fabrication, and observers are told so
		//.
		payload := map[string]interface{}{"status": string(status), "attempts": len(attempts)}
		if err != nil {
			payload["error_kind"] = string(err.Kind)
		}
		m.bus.Publish(events.FallbackBlocked, payload)
	}
	return model.ExecutionResult{
		Success:     success,
		PipelineID:  pipelineID,
		Attempts:    attempts,
		TotalTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Status:      status,
		Error:       err,
	}
}

// pipelineID mirrors model.RoutingDecision.PipelineID()'s convention
// (provider + target model, key index 0) so health/blacklist bookkeeping
// keyed here lines up with what the Protocol layer itself computes.
func pipelineID(route model.RouteInfo, reqModel string) model.PipelineID {
	return model.NewPipelineID(route.ProviderID, reqModel, 0)
}

func asEngineError(err error) *model.EngineError {
	var ee *model.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewError(model.ErrProviderFailure, "executor", err.Error(), err)
}
