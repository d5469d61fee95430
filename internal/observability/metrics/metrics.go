package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms for reply dispatch cycles.
type DispatchMetrics struct {
	cyclesTotal     *prometheus.CounterVec
	repliesTotal    *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadhive",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "Total dispatch cycles per pipeline outcome",
		}, []string{"result"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadhive",
			Subsystem: "dispatch",
			Name:      "replies_total",
			Help:      "Terminal reply outcomes by cancellation reason",
		}, []string{"outcome", "reason"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadhive",
			Subsystem: "dispatch",
			Name:      "delivery_latency_seconds",
			Help:      "Latency of delivery channel send attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.cyclesTotal, m.repliesTotal, m.deliveryLatency)
	return m
}

func (m *DispatchMetrics) ObserveCycle(result string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
}

func (m *DispatchMetrics) ObserveReply(outcome, reason string) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(outcome, reason).Inc()
}

func (m *DispatchMetrics) ObserveDeliveryLatency(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveryLatency.WithLabelValues(outcome).Observe(seconds)
}
