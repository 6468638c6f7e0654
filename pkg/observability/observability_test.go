package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/metrics"
)

func TestSamplerSelection(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: -1, want: "AlwaysOffSampler"},
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 2, want: "AlwaysOnSampler"},
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, samplerFor(tt.rate).Description(), "rate %v", tt.rate)
	}
}

func TestSpanLifecycleWithoutTracing(t *testing.T) {
	o, err := Setup(config.ObservabilityConfig{})
	require.NoError(t, err)

	ctx, span := o.StartSpan(context.Background(), "discovery")
	require.NotNil(t, ctx)
	span.SetAttribute("entity", "orders")
	span.SetAttribute("pages", 3)
	span.SetAttribute("elapsed", 1.5)
	span.RecordError(nil)
	span.End()

	require.NoError(t, o.Shutdown(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	o, err := Setup(config.ObservabilityConfig{MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer o.Shutdown(context.Background())

	require.NotEmpty(t, o.MetricsAddr())

	metrics.PagesFetched.WithLabelValues("orders", "incremental").Inc()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + o.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "inlet_pages_fetched_total")
}

func TestMetricsAddrEmptyWhenDisabled(t *testing.T) {
	o, err := Setup(config.ObservabilityConfig{})
	require.NoError(t, err)
	assert.Empty(t, o.MetricsAddr())
	require.NoError(t, o.Shutdown(context.Background()))
}
