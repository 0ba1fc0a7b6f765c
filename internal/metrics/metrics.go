// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. Register once, inject
// everywhere.
type Metrics struct {
	OrdersSubmitted prometheus.Counter
	OrdersFailed    prometheus.Counter

	SignalsAccepted prometheus.Counter
	SignalsSkipped  prometheus.Counter
	SignalsRefused  prometheus.Counter

	ExitSignals *prometheus.CounterVec

	BusDepth   prometheus.Gauge
	BusDropped prometheus.Gauge

	DailyPnl      prometheus.Gauge
	OpenPositions prometheus.Gauge

	ReconcileDiscrepancies prometheus.Counter
	ReconcileRepairs       prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_orders_submitted_total",
			Help: "Orders accepted by the broker.",
		}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_orders_failed_total",
			Help: "Order submissions rejected or errored.",
		}),
		SignalsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_signals_accepted_total",
			Help: "Strategy signals that passed all risk tiers.",
		}),
		SignalsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_signals_skipped_total",
			Help: "Strategy signals discarded by soft filters.",
		}),
		SignalsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_signals_refused_total",
			Help: "Strategy signals refused by safety or limit checks.",
		}),
		ExitSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smacross_exit_signals_total",
			Help: "Exit signals published, by reason and closing side.",
		}, []string{"reason", "side"}),
		BusDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smacross_event_bus_depth",
			Help: "Events waiting in the bus.",
		}),
		BusDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smacross_event_bus_dropped_total",
			Help: "Non-critical events dropped by the bus.",
		}),
		DailyPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smacross_daily_pnl",
			Help: "Running per-day realized P&L.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smacross_open_positions",
			Help: "Positions currently tracked.",
		}),
		ReconcileDiscrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_reconcile_discrepancies_total",
			Help: "Discrepancies found by reconciliation passes.",
		}),
		ReconcileRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smacross_reconcile_repairs_total",
			Help: "Stuck-state repairs applied by the reconciler.",
		}),
	}
	reg.MustRegister(
		m.OrdersSubmitted, m.OrdersFailed,
		m.SignalsAccepted, m.SignalsSkipped, m.SignalsRefused,
		m.ExitSignals,
		m.BusDepth, m.BusDropped,
		m.DailyPnl, m.OpenPositions,
		m.ReconcileDiscrepancies, m.ReconcileRepairs,
	)
	return m
}
