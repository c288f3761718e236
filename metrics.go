package premium

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus counters. A nil *Metrics records nothing.
type Metrics struct {
	Purchases     *prometheus.CounterVec
	Settlements   *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	Publishes     *prometheus.CounterVec
}

// NewMetrics registers the counters on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_purchases_total",
			Help: "Purchase calls by outcome.",
		}, []string{"status"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_settlements_total",
			Help: "Settlement attempts by result.",
		}, []string{"result"}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_verifications_total",
			Help: "Payment verifications by result.",
		}, []string{"result"}),
		Publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premium_publishes_total",
			Help: "Publish calls by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) purchase(status string) {
	if m != nil {
		m.Purchases.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) settlement(result string) {
	if m != nil {
		m.Settlements.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) verification(result string) {
	if m != nil {
		m.Verifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) publish(result string) {
	if m != nil {
		m.Publishes.WithLabelValues(result).Inc()
	}
}
