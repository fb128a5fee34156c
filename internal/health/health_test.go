package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-ai/routing-engine/internal/model"
)

func TestIsHealthy_NewPipelineIsHealthyByDefault(t *testing.T) {
	m := NewManager(DefaultConfig())
	assert.True(t, m.IsHealthy("p1"))
}

func TestIsHealthy_BelowMinRequestsStaysHealthy(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 4; i++ {
		m.RecordFailure("p1")
	}
	assert.True(t, m.IsHealthy("p1"))
}

func TestIsHealthy_FailsBelowThresholdOnceEligible(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.RecordFailure("p1")
	}
	assert.False(t, m.IsHealthy("p1"))
}

func TestRecordSuccess_TracksLatencyAndCounters(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordSuccess("p1", 42)
	m.RecordSuccess("p1", 58)
	stats := m.Stats("p1")
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, 50.0, stats.AverageResponseTimeMs())
}

func TestFilterHealthy_PreservesOrder(t *testing.T) {
	m := NewManager(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.RecordFailure("bad")
	}
	ids := []model.PipelineID{"good1", "bad", "good2"}
	assert.Equal(t, []model.PipelineID{"good1", "good2"}, m.FilterHealthy(ids))
}

func TestIsHealthy_RecoversAfterResetInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetInterval = time.Millisecond
	m := NewManager(cfg)
	for i := 0; i < 10; i++ {
		m.RecordFailure("p1")
	}
	assert.False(t, m.IsHealthy("p1"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.IsHealthy("p1"))
}
