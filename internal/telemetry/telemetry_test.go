package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/config"
	"github.com/venturecrane/crane-relay/internal/telemetry"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSamplerClampsRatio(t *testing.T) {
	assert.Contains(t, telemetry.Sampler(2).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(-1).Description(), "AlwaysOffSampler")
	assert.Contains(t, telemetry.Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
