// Load balancer strategies for the Execution Manager: round-robin
// (default), weighted, least-connections, and health-aware.
package executor

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/tributary-ai/routing-engine/internal/health"
	"github.com/tributary-ai/routing-engine/internal/model"
)

// StrategyName selects one of the four dispatch strategies.
type StrategyName string

const (
	StrategyRoundRobin       StrategyName = "round-robin"
	StrategyWeighted         StrategyName = "weighted"
	StrategyLeastConnections StrategyName = "least-connections"
	StrategyHealthAware      StrategyName = "health-aware"
)

// Strategy picks one candidate from an ordered, non-empty slice. reqModel is
// the request's target model, needed to derive the same pipeline identity
// the Execution Manager tracks in-flight counts and health stats under.
type Strategy interface {
	Pick(candidates []model.RouteInfo, reqModel string) model.RouteInfo
}

// LoadBalancer dispatches to the configured strategy, tracking the
// in-flight counts least-connections needs.
type LoadBalancer struct {
	name       StrategyName
	health     *health.Manager
	rrCounter  uint64
	inFlight   map[model.PipelineID]*int64
	inFlightMu sync.Mutex
}

func NewLoadBalancer(name StrategyName, h *health.Manager) *LoadBalancer {
	if name == "" {
		name = StrategyRoundRobin
	}
	return &LoadBalancer{name: name, health: h, inFlight: make(map[model.PipelineID]*int64)}
}

// Pick selects the next candidate using the configured strategy.
func (lb *LoadBalancer) Pick(candidates []model.RouteInfo, reqModel string) model.RouteInfo {
	switch lb.name {
	case StrategyWeighted:
		return lb.pickWeighted(candidates)
	case StrategyLeastConnections:
		return lb.pickLeastConnections(candidates, reqModel)
	case StrategyHealthAware:
		return lb.pickHealthAware(candidates, reqModel)
	default:
		return lb.pickRoundRobin(candidates)
	}
}

func (lb *LoadBalancer) pickRoundRobin(candidates []model.RouteInfo) model.RouteInfo {
	n := atomic.AddUint64(&lb.rrCounter, 1) - 1
	return candidates[int(n%uint64(len(candidates)))]
}

func (lb *LoadBalancer) pickWeighted(candidates []model.RouteInfo) model.RouteInfo {
	var total float64
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	r := rand.Float64() * total
	var acc float64
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		acc += w
		if r < acc {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func (lb *LoadBalancer) pickLeastConnections(candidates []model.RouteInfo, reqModel string) model.RouteInfo {
	best := candidates[0]
	bestCount := lb.inFlightCount(model.NewPipelineID(best.ProviderID, reqModel, 0))
	for _, c := range candidates[1:] {
		count := lb.inFlightCount(model.NewPipelineID(c.ProviderID, reqModel, 0))
		if count < bestCount {
			best, bestCount = c, count
		}
	}
	return best
}

func (lb *LoadBalancer) pickHealthAware(candidates []model.RouteInfo, reqModel string) model.RouteInfo {
	if lb.health == nil {
		return lb.pickRoundRobin(candidates)
	}
	best := candidates[0]
	bestScore := lb.healthScore(best, reqModel)
	for _, c := range candidates[1:] {
		score := lb.healthScore(c, reqModel)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func (lb *LoadBalancer) healthScore(r model.RouteInfo, reqModel string) float64 {
	stats := lb.health.Stats(model.NewPipelineID(r.ProviderID, reqModel, 0))
	rate := stats.SuccessRate()
	avgLatency := stats.AverageResponseTimeMs()
	if avgLatency == 0 {
		avgLatency = 100
	}
	return rate * 1000 / avgLatency
}

// IncrementInFlight/DecrementInFlight bracket one attempt for
// least-connections accounting.
func (lb *LoadBalancer) IncrementInFlight(id model.PipelineID) {
	lb.counter(id, 1)
}

func (lb *LoadBalancer) DecrementInFlight(id model.PipelineID) {
	lb.counter(id, -1)
}

func (lb *LoadBalancer) counter(id model.PipelineID, delta int64) {
	lb.inFlightMu.Lock()
	c, ok := lb.inFlight[id]
	if !ok {
		var zero int64
		c = &zero
		lb.inFlight[id] = c
	}
	lb.inFlightMu.Unlock()
	atomic.AddInt64(c, delta)
}

func (lb *LoadBalancer) inFlightCount(id model.PipelineID) int64 {
	lb.inFlightMu.Lock()
	c, ok := lb.inFlight[id]
	lb.inFlightMu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}
