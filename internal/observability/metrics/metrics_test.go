package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestDispatchMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatchMetrics(reg)
	m.ObserveCycle("ok")
	m.ObserveReply("sent", "")
	m.ObserveReply("cancelled", "message_too_old")
	m.ObserveDeliveryLatency("sent", 0.5)
}

func TestDispatchMetricsNilSafe(t *testing.T) {
	var m *DispatchMetrics
	m.ObserveCycle("ok")
	m.ObserveReply("sent", "")
	m.ObserveDeliveryLatency("failed", 0.1)
}
