package outbox_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hiran-hiran/outbox"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterWithLabel(f *dto.MetricFamily, name, value string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == name && l.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := outbox.NewMetrics(reg, "test")
	require.NoError(t, err)

	store := newRecordingStore()
	ok, bad := eventAt(1), eventAt(2)
	appendEvents(t, store, ok, bad)

	pub := &recordingPublisher{failFn: func(e *outbox.Event, _ int) error {
		if e.ID() == bad.ID() {
			return errBrokerDown
		}
		return nil
	}}
	r := outbox.NewRelay(store, pub, outbox.WithMetrics(metrics))

	res := r.PublishPending(context.Background())
	require.Error(t, res.Err)

	families := gather(t, reg)
	require.Equal(t, 1.0, families["test_outbox_relay_events_published_total"].GetMetric()[0].GetCounter().GetValue())
	require.Equal(t, 1.0, counterWithLabel(families["test_outbox_relay_failures_total"], "stage", "publish"))
	require.Equal(t, 1.0, counterWithLabel(families["test_outbox_relay_cycles_total"], "result", "halted"))
	require.Equal(t, 2.0, families["test_outbox_relay_pending_events"].GetMetric()[0].GetGauge().GetValue())
	require.Equal(t, uint64(1), families["test_outbox_relay_cycle_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := outbox.NewMetrics(reg, "dup")
	require.NoError(t, err)

	_, err = outbox.NewMetrics(reg, "dup")
	require.Error(t, err)
}

func TestRelayTracesCycleAndPublishes(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := newRecordingStore()
	first, second := eventAt(1), eventAt(2)
	appendEvents(t, store, first, second)

	pub := &recordingPublisher{failFn: func(e *outbox.Event, _ int) error {
		if e.ID() == second.ID() {
			return errBrokerDown
		}
		return nil
	}}
	r := outbox.NewRelay(store, pub, outbox.WithTracerProvider(tp))
	r.PublishPending(context.Background())

	spans := sr.Ended()
	require.Len(t, spans, 3)

	require.Equal(t, "outbox.publish", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, "outbox.publish", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)

	cycle := spans[2]
	require.Equal(t, "outbox.cycle", cycle.Name())
	require.Equal(t, codes.Error, cycle.Status().Code)
	for _, s := range spans[:2] {
		require.Equal(t, cycle.SpanContext().SpanID(), s.Parent().SpanID())
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, first.ID().String(), attrs["messaging.message.id"])
	require.Equal(t, "ReviewAdded", attrs["outbox.event_type"])
}
