package capture

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions metric.Int64Counter
	restarts metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/loqalabs/interview-buddy/internal/capture")
	sessions, _ := meter.Int64Counter("interview_capture_sessions_total",
		metric.WithDescription("Capture sessions by outcome"))
	restarts, _ := meter.Int64Counter("interview_capture_engine_restarts_total",
		metric.WithDescription("Automatic speech engine restarts"))
	return &metrics{sessions: sessions, restarts: restarts}
}

func (m *metrics) outcome(ctx context.Context, outcome string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) restarted(ctx context.Context) {
	if m == nil || m.restarts == nil {
		return
	}
	m.restarts.Add(ctx, 1)
}
