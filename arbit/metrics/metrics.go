// Package metrics exposes a minimal Prometheus surface over the pipeline:
// opportunities detected/accepted, transactions by terminal status, and the
// kill-switch state. Registration is independent of whether anything ever
// serves /metrics — an external HTTP layer scrapes the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/s2ungeda/arbit/arbit/types"
)

// Registry bundles every counter/gauge this system publishes.
type Registry struct {
	OpportunitiesEvaluated prometheus.Counter
	OpportunitiesAccepted  prometheus.Counter
	CrossedBooksRejected   prometheus.Counter
	TransactionsByStatus   *prometheus.CounterVec
	SafetyTripped          prometheus.Gauge
	RealizedProfitTotal    prometheus.Counter
}

// New builds a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		OpportunitiesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbit",
			Name:      "opportunities_evaluated_total",
			Help:      "Symbol evaluations performed by the opportunity calculator.",
		}),
		OpportunitiesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbit",
			Name:      "opportunities_accepted_total",
			Help:      "Opportunities that cleared every acceptance filter.",
		}),
		CrossedBooksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbit",
			Name:      "crossed_books_rejected_total",
			Help:      "Order book updates rejected for being internally crossed.",
		}),
		TransactionsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbit",
			Name:      "transactions_total",
			Help:      "Completed transactions by terminal status.",
		}, []string{"status"}),
		SafetyTripped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbit",
			Name:      "safety_kill_switch_active",
			Help:      "1 if the safety kill-switch is currently tripped, else 0.",
		}),
		RealizedProfitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbit",
			Name:      "realized_profit_quote_total",
			Help:      "Cumulative realized profit in quote-asset units across transactions that closed with a positive profit.",
		}),
	}
	reg.MustRegister(
		m.OpportunitiesEvaluated,
		m.OpportunitiesAccepted,
		m.CrossedBooksRejected,
		m.TransactionsByStatus,
		m.SafetyTripped,
		m.RealizedProfitTotal,
	)
	return m
}

// ObserveTransaction records a completed transaction's status and, for
// profitable outcomes, its realized profit.
func (m *Registry) ObserveTransaction(tx types.Transaction) {
	m.TransactionsByStatus.WithLabelValues(string(tx.Status)).Inc()
	if tx.RealizedProfit.IsPositive() {
		f, _ := tx.RealizedProfit.Float64()
		m.RealizedProfitTotal.Add(f)
	}
}

// ObserveSafetyEvent updates the kill-switch gauge.
func (m *Registry) ObserveSafetyEvent(tripped bool) {
	if tripped {
		m.SafetyTripped.Set(1)
		return
	}
	m.SafetyTripped.Set(0)
}
