package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstructionsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bundler_instructions_enqueued_total", Help: "Instructions accepted by the queue"},
	)
	PendingInstructions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bundler_instructions_pending", Help: "Instructions waiting to be bundled"},
	)
	BundlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bundler_bundles_total", Help: "Bundles by lifecycle outcome"},
		[]string{"status"},
	)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bundler_transactions_total", Help: "Wallet transactions submitted"},
		[]string{"outcome"},
	)
	ExecutionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "bundler_bundle_execution_seconds", Help: "Wall time to execute a bundle", Buckets: prometheus.ExponentialBuckets(0.25, 2, 10)},
	)
	PriorityFee = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bundler_priority_fee_micro_lamports", Help: "Last recommended compute unit price"},
	)
	WalletBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "bundler_wallet_balance_lamports", Help: "Observed wallet balances"},
		[]string{"wallet"},
	)
	RebalanceTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bundler_rebalance_transfers_total", Help: "Rebalance transfers by direction and outcome"},
		[]string{"direction", "outcome"},
	)
	TickRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bundler_scheduler_ticks_total", Help: "Scheduler task runs"},
		[]string{"task", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		InstructionsEnqueued,
		PendingInstructions,
		BundlesTotal,
		TransactionsTotal,
		ExecutionSeconds,
		PriorityFee,
		WalletBalance,
		RebalanceTransfers,
		TickRuns,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
