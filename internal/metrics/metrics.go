// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/modbus-bridge/internal/poller"
)

const namespace = "modbus_bridge"

// Metrics are the bridge's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Polls        prometheus.Counter
	ReadBatches  *prometheus.CounterVec
	WriteBatches *prometheus.CounterVec
	Reconnects   prometheus.Counter
	Connected    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll cycles run.",
		}),
		ReadBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_batches_total",
			Help:      "Read batches issued, by result.",
		}, []string{"result"}),
		WriteBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_batches_total",
			Help:      "Write batches issued, by result.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Modbus reconnects after a lost connection.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the last poll reached the device.",
		}),
	}

	reg.MustRegister(m.Polls, m.ReadBatches, m.WriteBatches, m.Reconnects, m.Connected)
	return m
}

// ObservePoll records one poll cycle. A fatal result counts as a reconnect,
// since the runner reconnects before the next cycle.
func (m *Metrics) ObservePoll(res poller.PollResult) {
	if m == nil {
		return
	}
	m.Polls.Inc()
	m.ReadBatches.WithLabelValues("ok").Add(float64(res.ReadBatches))
	m.ReadBatches.WithLabelValues("failed").Add(float64(res.ReadFailed))
	m.WriteBatches.WithLabelValues("ok").Add(float64(res.Writes.Written))
	m.WriteBatches.WithLabelValues("failed").Add(float64(res.Writes.Failed))

	if res.Err != nil {
		m.Reconnects.Inc()
		m.Connected.Set(0)
		return
	}
	m.Connected.Set(1)
}
