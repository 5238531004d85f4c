package llm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/soportecyclops/tienda21/internal/llm"

var (
	latencyHistogram  metric.Float64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	latencyHistogram, err = meter.Float64Histogram(
		"tienda21.llm.latency",
		metric.WithDescription("End-to-end dispatch latency per LLM generation"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// recordDispatchLatency records dispatch latency with the winning provider
// (or "none" on exhaustion) so failover behavior is visible in backends.
func recordDispatchLatency(ctx context.Context, provider string, latency time.Duration, exhausted bool) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	latencyHistogram.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("exhausted", exhausted),
	))
}
