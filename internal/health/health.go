// Package health implements the Health Manager: per-pipeline
// success/error counters and a bounded response-time window, with
// success-rate-gated eligibility. Each pipeline's entry is guarded by its
// own lock so traffic against different pipelines never contends.
package health

import (
	"sync"
	"time"

	"github.com/tributary-ai/routing-engine/internal/model"
)

// Config tunes the eligibility rule and recovery window.
type Config struct {
	MinRequestsForHealthCheck int64
	ResetInterval             time.Duration
	MinSuccessRate            float64
	WindowSize                int
}

// DefaultConfig is 5 requests before health gating, a 5 minute recovery
// interval, and a 100-sample latency window.
func DefaultConfig() Config {
	return Config{
		MinRequestsForHealthCheck: 5,
		ResetInterval:             5 * time.Minute,
		MinSuccessRate:            0.5,
		WindowSize:                100,
	}
}

type entry struct {
	mu    sync.Mutex
	stats model.PipelineHealthStats
}

// Manager tracks per-pipeline health. Safe for concurrent use; each
// pipeline's entry is guarded independently so requests against different
// pipelines never contend.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex // guards the entries map itself, not its values
	entries map[model.PipelineID]*entry
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, entries: make(map[model.PipelineID]*entry)}
}

func (m *Manager) get(id model.PipelineID) *entry {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e
	}
	e = &entry{stats: model.PipelineHealthStats{PipelineID: id, WindowSize: m.cfg.WindowSize}}
	m.entries[id] = e
	return e
}

// RecordSuccess increments counters and pushes the latency sample. The
// stats keep no consecutive-failure count, so there is no streak to clear.
func (m *Manager) RecordSuccess(id model.PipelineID, latencyMs float64) {
	e := m.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.stats.TotalRequests++
	e.stats.SuccessCount++
	e.stats.LastRequestAt = now
	e.stats.LastSuccessAt = now
	e.stats.PushResponseTime(latencyMs)
}

// RecordFailure increments failure counters only. It never blacklists;
// that's the Blacklist Manager's job.
func (m *Manager) RecordFailure(id model.PipelineID) {
	e := m.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.stats.TotalRequests++
	e.stats.ErrorCount++
	e.stats.LastRequestAt = now
	e.stats.LastErrorAt = now
}

// IsHealthy applies the eligibility rule: below
// MinRequestsForHealthCheck the pipeline is healthy by default; otherwise
// it must clear MinSuccessRate. A pipeline is also considered recovered
// once ResetInterval has elapsed since its last failure with no new
// failures.
func (m *Manager) IsHealthy(id model.PipelineID) bool {
	e := m.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.isHealthyLocked(&e.stats)
}

func (m *Manager) isHealthyLocked(s *model.PipelineHealthStats) bool {
	if s.TotalRequests < m.cfg.MinRequestsForHealthCheck {
		return true
	}
	if !s.LastErrorAt.IsZero() && time.Since(s.LastErrorAt) >= m.cfg.ResetInterval {
		return true
	}
	return s.SuccessRate() >= m.cfg.MinSuccessRate
}

// FilterHealthy keeps only healthy ids, preserving input order.
func (m *Manager) FilterHealthy(ids []model.PipelineID) []model.PipelineID {
	out := make([]model.PipelineID, 0, len(ids))
	for _, id := range ids {
		if m.IsHealthy(id) {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns a copy of the tracked stats for id, for status/metrics
// reporting. An id never referenced before gets a fresh entry, so the copy
// has only PipelineID and WindowSize set.
func (m *Manager) Stats(id model.PipelineID) model.PipelineHealthStats {
	e := m.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.stats
	cp.ResponseTimes = append([]float64(nil), e.stats.ResponseTimes...)
	return cp
}

// Snapshot returns every tracked pipeline's stats, for /status reporting.
func (m *Manager) Snapshot() map[model.PipelineID]model.PipelineHealthStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.PipelineID]model.PipelineHealthStats, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		cp := e.stats
		cp.ResponseTimes = append([]float64(nil), e.stats.ResponseTimes...)
		e.mu.Unlock()
		out[id] = cp
	}
	return out
}
