// Package router implements the Core Router: pure decision logic, no I/O,
// no transformation, no timers. Rules are matched by scoring the model map,
// category map, and custom rules against the request; the winning rule's
// target providers are then ranked by weight and health.
package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// CoreRouter is the decoupled, pure routing decision component. Routes and
// rules are held as atomic snapshot pointers: updates replace the
// whole snapshot, in-flight decisions keep using the snapshot they read.
type CoreRouter struct {
	rules  atomic.Pointer[model.RoutingRules]
	routes atomic.Pointer[map[string]model.RouteInfo] // providerID -> route
	logger *logrus.Logger

	// Decision history ring: writers append under histMu,
	// readers snapshot; bounded by performance.historyRetention.
	histMu   sync.Mutex
	history  []*model.RoutingDecision
	histNext int
	histCap  int
}

const defaultHistoryRetention = 500

// New constructs a CoreRouter with empty rules/routes; call UpdateRules and
// UpdateRoutes before routing any requests.
func New(logger *logrus.Logger) *CoreRouter {
	if logger == nil {
		logger = logrus.New()
	}
	r := &CoreRouter{logger: logger, histCap: defaultHistoryRetention}
	empty := map[string]model.RouteInfo{}
	r.routes.Store(&empty)
	return r
}

// SetHistoryCapacity resizes the decision-history ring to
// performance.historyRetention; existing entries are dropped.
func (r *CoreRouter) SetHistoryCapacity(n int) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	if n <= 0 {
		n = defaultHistoryRetention
	}
	r.histCap = n
	r.history = nil
	r.histNext = 0
}

// History returns a snapshot of the retained decisions, oldest first.
func (r *CoreRouter) History() []*model.RoutingDecision {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	out := make([]*model.RoutingDecision, 0, len(r.history))
	if len(r.history) == r.histCap {
		out = append(out, r.history[r.histNext:]...)
		out = append(out, r.history[:r.histNext]...)
	} else {
		out = append(out, r.history...)
	}
	return out
}

func (r *CoreRouter) recordDecision(d *model.RoutingDecision) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	if len(r.history) < r.histCap {
		r.history = append(r.history, d)
		return
	}
	r.history[r.histNext] = d
	r.histNext = (r.histNext + 1) % r.histCap
}

// UpdateRules atomically replaces the rule set after validating it against
// the current routes snapshot.
func (r *CoreRouter) UpdateRules(rules *model.RoutingRules) error {
	known := r.knownProviders()
	if err := rules.Validate(known); err != nil {
		return fmt.Errorf("update rules: %w", err)
	}
	r.rules.Store(rules)
	return nil
}

// UpdateRoutes replaces the available-routes map; entries failing
// validation are logged and skipped rather than rejecting the whole batch.
func (r *CoreRouter) UpdateRoutes(routes []model.RouteInfo) {
	next := map[string]model.RouteInfo{}
	for _, rt := range routes {
		if rt.ProviderID == "" {
			r.logger.WithField("route_id", rt.ID).Warn("skipping route with empty provider id")
			continue
		}
		if len(rt.SupportedModels) == 0 {
			r.logger.WithField("provider_id", rt.ProviderID).Warn("skipping route with no supported models")
			continue
		}
		next[rt.ProviderID] = rt
	}
	r.routes.Store(&next)
}

// Routes returns a snapshot of the currently configured routes, for
// status/metrics reporting.
func (r *CoreRouter) Routes() []model.RouteInfo {
	snap := r.routes.Load()
	if snap == nil {
		return nil
	}
	out := make([]model.RouteInfo, 0, len(*snap))
	for _, rt := range *snap {
		out = append(out, rt)
	}
	return out
}

func (r *CoreRouter) knownProviders() map[string]bool {
	m := map[string]bool{}
	routes := r.routes.Load()
	if routes == nil {
		return m
	}
	for id := range *routes {
		m[id] = true
	}
	return m
}

// ValidateConfig enumerates configuration errors: disabled
// zero-fallback policy, missing default rule, non-positive concurrency.
type ValidationResult struct {
	Errors []string
}

func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

func ValidateConfig(zeroFallbackEnabled bool, rules *model.RoutingRules, maxConcurrent int) ValidationResult {
	var errs []string
	if !zeroFallbackEnabled {
		errs = append(errs, "zeroFallbackPolicy.enabled must be true")
	}
	if rules == nil || rules.Default == nil {
		errs = append(errs, "default rule is required")
	} else if !rules.Default.Enabled {
		errs = append(errs, "default rule must be enabled")
	}
	if maxConcurrent <= 0 {
		errs = append(errs, "maxConcurrentDecisions must be positive")
	}
	return ValidationResult{Errors: errs}
}

// Route is the Core Router's single decision entry point.
func (r *CoreRouter) Route(req *model.RoutingRequest) (*model.RoutingDecision, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, model.NewError(model.ErrValidation, "router", err.Error(), err)
	}

	rules := r.rules.Load()
	if rules == nil {
		return nil, model.NewError(model.ErrRoutingRuleNotFound, "router", "no routing rules configured", nil)
	}

	rule, err := rules.Match(req)
	if err != nil {
		return nil, model.NewError(model.ErrRoutingRuleNotFound, "router", err.Error(), err)
	}

	routesSnapshot := r.routes.Load()
	if routesSnapshot == nil {
		return nil, model.NewError(model.ErrProviderUnavailable, "router", "no routes configured", nil)
	}

	var available []model.RouteInfo
	for _, providerID := range rule.Targets {
		rt, ok := (*routesSnapshot)[providerID]
		if !ok || !rt.Available {
			continue
		}
		available = append(available, rt)
	}
	if len(available) == 0 {
		return nil, model.NewError(model.ErrProviderUnavailable, "router",
			fmt.Sprintf("no available route among targets %v for rule %q", rule.Targets, rule.ID), nil)
	}

	var modelMatched []model.RouteInfo
	for _, rt := range available {
		if rt.SupportsModel(req.Model) {
			modelMatched = append(modelMatched, rt)
		}
	}
	if len(modelMatched) == 0 {
		return nil, model.NewError(model.ErrModelUnavailable, "router",
			fmt.Sprintf("no route among targets %v supports model %q", rule.Targets, req.Model), nil)
	}

	ranked := rankRoutes(modelMatched, rule)

	best := ranked[0]
	confidence := clampInt(int(float64(best.score)*healthFactor(best.route.Health)), 0, 100)

	decision := &model.RoutingDecision{
		RequestID:          req.ID,
		ProviderID:         best.route.ProviderID,
		Model:              req.Model,
		Route:              best.route,
		Reasoning:          fmt.Sprintf("matched rule %q (score) -> provider %q (route score %d, health %s)", rule.ID, best.route.ProviderID, best.score, best.route.Health),
		Confidence:         confidence,
		EstimatedLatencyMs: estimatedLatency(best.route.Health),
		DecisionTime:       time.Now(),
		ProcessingTimeMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		Siblings:           siblingsOf(ranked),
	}
	r.recordDecision(decision)
	return decision, nil
}

type rankedRoute struct {
	route model.RouteInfo
	score int
}

// rankRoutes scores each candidate route:
// weight*100, +50/+20/-30 for healthy/degraded/unhealthy, multiplied by
// rule weight override if present. Ties within 10% of the top score are
// resolved by weighted-random selection; otherwise the top scorer wins.
func rankRoutes(routes []model.RouteInfo, rule *model.RoutingRule) []rankedRoute {
	ranked := make([]rankedRoute, 0, len(routes))
	for _, rt := range routes {
		base := rt.Weight * 100
		switch rt.Health {
		case model.HealthHealthy:
			base += 50
		case model.HealthDegraded:
			base += 20
		case model.HealthUnhealthy:
			base -= 30
		}
		weightOverride := 1.0
		if rule.Weights != nil {
			if w, ok := rule.Weights[rt.ProviderID]; ok {
				weightOverride = w
			}
		}
		score := int(base * weightOverride)
		ranked = append(ranked, rankedRoute{route: rt, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].route.ID < ranked[j].route.ID
	})

	if len(ranked) <= 1 {
		return ranked
	}

	top := ranked[0].score
	threshold := top - top/10
	var withinBand []int
	for i, rr := range ranked {
		if rr.score >= threshold {
			withinBand = append(withinBand, i)
		}
	}
	if len(withinBand) > 1 {
		winner := weightedRandomPick(ranked, withinBand)
		ranked[0], ranked[winner] = ranked[winner], ranked[0]
	}
	return ranked
}

// weightedRandomPick performs deterministic-enough weighted-random
// selection among the indices in band, weighted by score.
func weightedRandomPick(ranked []rankedRoute, band []int) int {
	total := 0
	for _, i := range band {
		total += ranked[i].score + 1
	}
	if total <= 0 {
		return band[0]
	}
	r := rand.Intn(total)
	for _, i := range band {
		w := ranked[i].score + 1
		if r < w {
			return i
		}
		r -= w
	}
	return band[len(band)-1]
}

func siblingsOf(ranked []rankedRoute) []model.RouteInfo {
	if len(ranked) <= 1 {
		return nil
	}
	out := make([]model.RouteInfo, 0, len(ranked)-1)
	for _, rr := range ranked[1:] {
		out = append(out, rr.route)
	}
	return out
}

func healthFactor(h model.HealthStatus) float64 {
	switch h {
	case model.HealthHealthy:
		return 1.2
	case model.HealthDegraded:
		return 0.8
	case model.HealthUnhealthy:
		return 0.5
	default:
		return 1.0
	}
}

func estimatedLatency(h model.HealthStatus) int {
	switch h {
	case model.HealthHealthy:
		return 50
	case model.HealthDegraded:
		return 150
	case model.HealthUnhealthy:
		return 500
	default:
		return 100
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
