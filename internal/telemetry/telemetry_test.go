package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_BuildsInstruments(t *testing.T) {
	p, err := New("test-engine", "0.0.0")
	require.NoError(t, err)
	require.NotNil(t, p.Instruments())
	assert.NotNil(t, p.Instruments().RequestsTotal)
	assert.NotNil(t, p.Instruments().FailuresTotal)
	assert.NotNil(t, p.Instruments().PipelineLatency)
}

func TestStartSpan_ReturnsNonNilSpan(t *testing.T) {
	p, err := New("test-engine", "0.0.0")
	require.NoError(t, err)

	_, span := p.StartSpan(context.Background(), "test-span")
	defer span.End()
	assert.NotNil(t, span)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	p, err := New("test-engine", "0.0.0")
	require.NoError(t, err)

	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_DefaultsServiceName(t *testing.T) {
	p, err := New("", "")
	require.NoError(t, err)
	assert.NotNil(t, p)
}
