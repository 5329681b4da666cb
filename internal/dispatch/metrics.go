package dispatch

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("restpipe/dispatch")

	requests, err := meter.Int64Counter(
		"dispatch.requests",
		metric.WithDescription("Number of dispatched requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"dispatch.duration",
		metric.WithDescription("Time spent in the request pipeline in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{requests: requests, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, resource, method string, out *Outcome, elapsed time.Duration) {
	kind := "ok"
	if out.Err != nil {
		kind = string(out.Err.Kind)
	}
	attrs := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(out.Status)),
		attribute.String("kind", kind),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
