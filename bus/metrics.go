package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes bus health to operators. Channel names are not used as
// label values: per-user channels would explode cardinality.
type metrics struct {
	publishes  *prometheus.CounterVec
	deliveries prometheus.Counter
	waiters    prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, r *registry) *metrics {
	m := &metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbus",
			Name:      "publishes_total",
			Help:      "Publish attempts by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topicbus",
			Name:      "waiter_wakeups_total",
			Help:      "Local long-poll waiters woken by a publish.",
		}),
		waiters: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "topicbus",
			Name:      "live_waiters",
			Help:      "Currently registered long-poll waiters in this process.",
		}, func() float64 { return float64(r.size()) }),
	}
	if reg != nil {
		reg.MustRegister(m.publishes, m.deliveries, m.waiters)
	}
	return m
}

func (m *metrics) publishOK() {
	if m != nil {
		m.publishes.WithLabelValues("ok").Inc()
	}
}

func (m *metrics) publishFailed() {
	if m != nil {
		m.publishes.WithLabelValues("error").Inc()
	}
}

func (m *metrics) woke(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}
