package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const chainMetricsNamespace = "flip10"

var (
	transactionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: chainMetricsNamespace,
		Name:      "chain_transactions_total",
		Help:      "Authority transactions, labeled by method and result.",
	}, []string{"method", "result"})

	transactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: chainMetricsNamespace,
		Name:      "chain_transaction_duration_seconds",
		Help:      "Submit-to-mined latency of authority transactions.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"method"})

	purchaseEventsSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: chainMetricsNamespace,
		Name:      "chain_purchase_events_total",
		Help:      "FlipPackagePurchased events observed, labeled by disposition.",
	}, []string{"disposition"})

	subscriptionResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: chainMetricsNamespace,
		Name:      "chain_subscription_resets_total",
		Help:      "Event subscription teardowns, labeled by cause.",
	}, []string{"cause"})
)
