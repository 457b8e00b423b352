package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the booking counters recorded by the lifecycle service.
type Instruments struct {
	Registrations metric.Int64Counter
	Cancellations metric.Int64Counter
	Promotions    metric.Int64Counter
	Contention    metric.Int64Counter
	Duration      metric.Float64Histogram
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	registrations, err := meter.Int64Counter(
		"registration.created.count",
		metric.WithDescription("Registrations created, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	cancellations, err := meter.Int64Counter(
		"registration.cancelled.count",
		metric.WithDescription("Registrations cancelled, by prior status"),
	)
	if err != nil {
		return nil, err
	}

	promotions, err := meter.Int64Counter(
		"registration.promoted.count",
		metric.WithDescription("Waiting registrations promoted to confirmed"),
	)
	if err != nil {
		return nil, err
	}

	contention, err := meter.Int64Counter(
		"registration.contention.count",
		metric.WithDescription("Operations rolled back on lock contention"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"registration.operation.duration",
		metric.WithDescription("Lifecycle operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Registrations: registrations,
		Cancellations: cancellations,
		Promotions:    promotions,
		Contention:    contention,
		Duration:      duration,
	}, nil
}

// RecordDuration records how long op took since start.
func (i *Instruments) RecordDuration(ctx context.Context, op string, start time.Time, failed bool) {
	i.Duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Bool("error", failed),
		))
}
