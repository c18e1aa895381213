package guard

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tig.dirstateguard"

// Rollback reasons. Kept to a bounded set for metric attributes.
const (
	reasonRelease = "release"
	reasonAbandon = "abandon"
)

// metrics holds the guard instruments. A nil *metrics records nothing.
type metrics struct {
	created    metric.Int64Counter
	closed     metric.Int64Counter
	rolledBack metric.Int64Counter
	errors     metric.Int64Counter
	active     metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   metrics
		err error
	)
	if m.created, err = meter.Int64Counter(
		"dirstateguard_created_total",
		metric.WithDescription("Dirstate guards that saved a backup"),
	); err != nil {
		return nil, err
	}
	if m.closed, err = meter.Int64Counter(
		"dirstateguard_closed_total",
		metric.WithDescription("Dirstate guards committed with close"),
	); err != nil {
		return nil, err
	}
	if m.rolledBack, err = meter.Int64Counter(
		"dirstateguard_rollback_total",
		metric.WithDescription("Dirstate restores from a guard backup"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter(
		"dirstateguard_errors_total",
		metric.WithDescription("Failed guard operations"),
	); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter(
		"dirstateguard_active",
		metric.WithDescription("Guards currently holding a backup slot"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) recordCreated() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.created.Add(ctx, 1)
	m.active.Add(ctx, 1)
}

func (m *metrics) recordClosed() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.closed.Add(ctx, 1)
	m.active.Add(ctx, -1)
}

func (m *metrics) recordRollback(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.rolledBack.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.active.Add(ctx, -1)
}

func (m *metrics) recordError(op string) {
	if m == nil {
		return
	}
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}
