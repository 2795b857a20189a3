// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_submitted_total",
		Help: "Orders admitted into the book.",
	})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Orders rejected before admission.",
	}, []string{"reason"})

	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_executed_total",
		Help: "Trades produced by the matching loop.",
	})

	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_settlement_failures_total",
		Help: "Matches aborted by a ledger settlement error.",
	})

	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_sessions_connected",
		Help: "Live broadcast subscribers.",
	})

	NotifyDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_notify_drops_total",
		Help: "Trade notifications dropped because the dispatch queue was full.",
	})
)
