package blacklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/routing-engine/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DebounceInterval = 5 * time.Millisecond
	m := NewManager(cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func TestAddTemporaryBlock_BecomesActive(t *testing.T) {
	m := newTestManager(t)
	m.AddTemporaryBlock("p1", time.Minute, "server_error")
	status := m.Status("p1")
	assert.True(t, status.Active)
	assert.Equal(t, "server_error", status.Reason)
}

func TestAddTemporaryBlock_ExtendsOnRepeat(t *testing.T) {
	m := newTestManager(t)
	m.AddTemporaryBlock("p1", time.Minute, "server_error")
	first := m.Status("p1").Until
	m.AddTemporaryBlock("p1", time.Minute, "server_error")
	second := m.Status("p1").Until
	assert.True(t, second.After(first))
}

func TestAddTemporaryBlock_CappedAtMax(t *testing.T) {
	m := newTestManager(t)
	m.cfg.MaxBlacklistDuration = 90 * time.Second
	for i := 0; i < 5; i++ {
		m.AddTemporaryBlock("p1", time.Minute, "server_error")
	}
	status := m.Status("p1")
	assert.WithinDuration(t, time.Now().Add(90*time.Second), status.Until, 2*time.Second)
}

func TestHandle429_LadderDestroysOnThird(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, model.BlockActionTemporary, m.Handle429("p1"))
	assert.Equal(t, model.BlockActionTemporary, m.Handle429("p1"))
	assert.Equal(t, model.BlockActionDestroy, m.Handle429("p1"))
	assert.True(t, m.IsDestroyed("p1"))
}

func TestResetRateLimit_ClearsCounter(t *testing.T) {
	m := newTestManager(t)
	m.Handle429("p1")
	m.ResetRateLimit("p1")
	assert.Equal(t, model.BlockActionTemporary, m.Handle429("p1"))
	assert.Equal(t, model.BlockActionTemporary, m.Handle429("p1"))
}

func TestShouldDestroyPipeline_DisabledByDefault(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.ShouldDestroyPipeline(400, "quota exceeded permanently"))
}

func TestShouldDestroyPipeline_FiresWhenEnabledAndMatches(t *testing.T) {
	m := newTestManager(t)
	m.cfg.DestroyRules = []model.DestroyRule{
		{StatusCode: 403, ErrorPatterns: []string{"account suspended"}, Enabled: true},
	}
	assert.True(t, m.ShouldDestroyPipeline(403, "Error: Account Suspended for abuse"))
	assert.False(t, m.ShouldDestroyPipeline(403, "invalid key"))
	assert.False(t, m.ShouldDestroyPipeline(404, "account suspended"))
}

func TestRehydrate_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.DebounceInterval = 5 * time.Millisecond

	m1 := NewManager(cfg, nil)
	m1.AddTemporaryBlock("p1", time.Minute, "server_error")
	time.Sleep(20 * time.Millisecond)
	m1.Close()

	m2 := NewManager(cfg, nil)
	defer m2.Close()
	status := m2.Status("p1")
	require.True(t, status.Active)
	assert.Equal(t, "server_error", status.Reason)
}

func TestStatus_EvictsExpiredBlock(t *testing.T) {
	m := newTestManager(t)
	m.AddTemporaryBlock("p1", time.Millisecond, "x")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, m.Status("p1").Active)
}
