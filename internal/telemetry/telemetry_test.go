package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), &Config{ServiceName: "ragd"})
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Equal(t, HealthStatus{}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"enabled ok", Config{TelemetryConfig: config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4317", SamplingRate: 1}, ServiceName: "ragd"}, false},
		{"missing endpoint", Config{TelemetryConfig: config.TelemetryConfig{Enabled: true}, ServiceName: "ragd"}, true},
		{"bad protocol", Config{TelemetryConfig: config.TelemetryConfig{Enabled: true, Endpoint: "x", Protocol: "udp"}, ServiceName: "ragd"}, true},
		{"bad rate", Config{TelemetryConfig: config.TelemetryConfig{Enabled: true, Endpoint: "x", SamplingRate: 2}, ServiceName: "ragd"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_EnabledDoesNotBlock(t *testing.T) {
	// Exporters connect lazily, so an unreachable collector must not fail startup.
	tel, err := New(context.Background(), &Config{
		TelemetryConfig: config.TelemetryConfig{Enabled: true, Endpoint: "127.0.0.1:1", Insecure: true, SamplingRate: 0.5},
		ServiceName:     "ragd",
	})
	require.NoError(t, err)
	assert.True(t, tel.Health().Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tel.Shutdown(ctx)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "rag.search")
	span.SetAttributes(attribute.Int("top_k", 20))
	span.End()
	tt.AssertSpanAttribute(t, "rag.search", "top_k", int64(20))

	counter, err := tt.Meter("test").Int64Counter("ragd.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	assert.Contains(t, MetricNames(rm), "ragd.test.count")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("otel:4318"))
}
