package httpapi

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/ingestd/internal/registry"
	"pkt.systems/pslog"
)

// ingestMetrics instruments the accept/acknowledge/expire lifecycle.
type ingestMetrics struct {
	holdsAccepted     metric.Int64Counter
	holdsAcknowledged metric.Int64Counter
	holdsExpired      metric.Int64Counter
	receivedBytes     metric.Int64Counter
	receivedItems     metric.Int64Counter
	holdDuration      metric.Int64Histogram
	holdsActive       metric.Int64ObservableGauge
}

func newIngestMetrics(logger pslog.Logger, reg *registry.Registry) *ingestMetrics {
	meter := otel.Meter("pkt.systems/ingestd/ingest")
	m := &ingestMetrics{}
	var err error
	m.holdsAccepted, err = meter.Int64Counter(
		"ingestd.ingest.holds.accepted",
		metric.WithDescription("Holds created by accepted submissions."),
	)
	logMetricInitError(logger, "ingestd.ingest.holds.accepted", err)
	m.holdsAcknowledged, err = meter.Int64Counter(
		"ingestd.ingest.holds.acknowledged",
		metric.WithDescription("Holds committed downstream by acknowledgement."),
	)
	logMetricInitError(logger, "ingestd.ingest.holds.acknowledged", err)
	m.holdsExpired, err = meter.Int64Counter(
		"ingestd.ingest.holds.expired",
		metric.WithDescription("Holds rolled back after the confirmation window lapsed."),
	)
	logMetricInitError(logger, "ingestd.ingest.holds.expired", err)
	m.receivedBytes, err = meter.Int64Counter(
		"ingestd.ingest.received.bytes",
		metric.WithDescription("Payload bytes staged by accepted submissions."),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "ingestd.ingest.received.bytes", err)
	m.receivedItems, err = meter.Int64Counter(
		"ingestd.ingest.received.items",
		metric.WithDescription("Payload items staged by accepted submissions."),
	)
	logMetricInitError(logger, "ingestd.ingest.received.items", err)
	m.holdDuration, err = meter.Int64Histogram(
		"ingestd.ingest.hold.duration_ms",
		metric.WithDescription("Milliseconds between accept and resolution."),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "ingestd.ingest.hold.duration_ms", err)
	m.holdsActive, err = meter.Int64ObservableGauge(
		"ingestd.ingest.holds.active",
		metric.WithDescription("Holds currently awaiting acknowledgement."),
	)
	logMetricInitError(logger, "ingestd.ingest.holds.active", err)
	if m.holdsActive != nil && reg != nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.holdsActive, int64(reg.Len()))
			return nil
		}, m.holdsActive)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "ingestd.ingest.holds.active", "error", err)
		}
	}
	return m
}

func (m *ingestMetrics) recordAccepted(ctx context.Context, items int, bytes int64) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.holdsAccepted != nil {
		m.holdsAccepted.Add(ctx, 1)
	}
	if m.receivedItems != nil && items > 0 {
		m.receivedItems.Add(ctx, int64(items))
	}
	if m.receivedBytes != nil && bytes > 0 {
		m.receivedBytes.Add(ctx, bytes)
	}
}

func (m *ingestMetrics) recordAcknowledged(ctx context.Context, age time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.holdsAcknowledged != nil {
		m.holdsAcknowledged.Add(ctx, 1)
	}
	if m.holdDuration != nil {
		m.holdDuration.Record(ctx, age.Milliseconds(),
			metric.WithAttributes(attribute.String("ingestd.outcome", "acknowledged")))
	}
}

func (m *ingestMetrics) recordExpired(ctx context.Context, age time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.holdsExpired != nil {
		m.holdsExpired.Add(ctx, 1)
	}
	if m.holdDuration != nil {
		m.holdDuration.Record(ctx, age.Milliseconds(),
			metric.WithAttributes(attribute.String("ingestd.outcome", "expired")))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
