package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results used as the "result" label of the cycles counter.
const (
	cycleResultOK       = "ok"
	cycleResultEmpty    = "empty"
	cycleResultHalted   = "halted"
	cycleResultFetchErr = "fetch_error"
	cycleResultLockErr  = "lock_error"
	cycleResultSkipped  = "skipped"
)

// Metrics holds the Prometheus collectors updated by a Relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	published     prometheus.Counter
	failures      *prometheus.CounterVec
	discarded     prometheus.Counter
	backlog       prometheus.Gauge
}

// NewMetrics creates the relay collectors under the given namespace and registers
// them with reg. Use prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "cycles_total",
			Help: "Relay cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "cycle_duration_seconds",
			Help:    "Duration of a relay cycle from fetch to last commit.",
			Buckets: prometheus.DefBuckets,
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "events_published_total",
			Help: "Events published and marked as published.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "failures_total",
			Help: "Relay failures by stage.",
		}, []string{"stage"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "events_discarded_total",
			Help: "Events moved to the dead letter after reaching the maximum attempts.",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox_relay", Name: "pending_events",
			Help: "Pending events found by the last fetch.",
		}),
	}

	for _, c := range []prometheus.Collector{m.cycles, m.cycleDuration, m.published, m.failures, m.discarded, m.backlog} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCycle(result string, started time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if result != cycleResultSkipped {
		m.cycleDuration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) setBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *Metrics) incPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) incFailure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) incDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}
