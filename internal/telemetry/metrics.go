package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/gzhole/consentgate/internal/gateway"
)

const ServiceName = "consentgate"

// NewMeterProvider builds an SDK meter provider over the given readers.
func NewMeterProvider(version string, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	)
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

// Metrics turns gateway events into OpenTelemetry instruments.
type Metrics struct {
	decisions  metric.Int64Counter
	detections metric.Int64Counter
	modes      metric.Int64Counter
	lockouts   metric.Int64Counter
	degraded   metric.Int64Counter
	health     metric.Int64Gauge
}

// NewMetrics registers the gateway instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.decisions, err = meter.Int64Counter("consentgate.decisions",
		metric.WithDescription("Decisions recorded, by status and action class"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}
	if m.detections, err = meter.Int64Counter("consentgate.detections",
		metric.WithDescription("Behavior signature detections, by signature and severity"),
		metric.WithUnit("{detection}"),
	); err != nil {
		return nil, fmt.Errorf("detections counter: %w", err)
	}
	if m.modes, err = meter.Int64Counter("consentgate.mode.changes",
		metric.WithDescription("Accepted mode changes, by target mode"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("mode counter: %w", err)
	}
	if m.lockouts, err = meter.Int64Counter("consentgate.lockouts",
		metric.WithDescription("Critical lockouts triggered"),
		metric.WithUnit("{lockout}"),
	); err != nil {
		return nil, fmt.Errorf("lockout counter: %w", err)
	}
	if m.degraded, err = meter.Int64Counter("consentgate.persistence.degraded",
		metric.WithDescription("Writes that could not reach durable storage"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, fmt.Errorf("degraded counter: %w", err)
	}
	if m.health, err = meter.Int64Gauge("consentgate.audit.health",
		metric.WithDescription("Most recent audit health score (0-100)"),
	); err != nil {
		return nil, fmt.Errorf("health gauge: %w", err)
	}
	return m, nil
}

// Handle is a gateway.Handler.
func (m *Metrics) Handle(ev gateway.Event) {
	ctx := context.Background()
	switch ev.Type {
	case gateway.EventDecisionRecorded:
		d := ev.Decision
		if d == nil {
			return
		}
		m.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(d.Status)),
			attribute.String("class", d.ActionClass),
		))
		for _, det := range d.Detections {
			m.detections.Add(ctx, 1, metric.WithAttributes(
				attribute.String("signature", det.SignatureID),
				attribute.String("severity", det.Severity.String()),
			))
		}
	case gateway.EventModeChanged:
		if ev.Transition != nil {
			m.modes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("to", ev.Transition.To),
				attribute.Bool("forced", ev.Transition.Forced),
			))
		}
	case gateway.EventCriticalLockout:
		m.lockouts.Add(ctx, 1)
	case gateway.EventPersistenceDegraded:
		m.degraded.Add(ctx, 1)
	case gateway.EventHealthSnapshot:
		if ev.Health != nil {
			m.health.Record(ctx, int64(ev.Health.Health))
		}
	}
}
