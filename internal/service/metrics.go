package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransactionsPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blertbank_transactions_total",
			Help: "Transaction post attempts by outcome code",
		},
		[]string{"outcome"},
	)
	PostDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blertbank_post_transaction_seconds",
			Help:    "Latency of PostTransaction including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blertbank_store_retries_total",
			Help: "Units of work retried after a serialization failure or deadlock",
		},
	)
	idempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blertbank_idempotent_replays_total",
			Help: "Requests answered from a previously committed transaction",
		},
	)
)

func init() {
	prometheus.MustRegister(TransactionsPosted)
	prometheus.MustRegister(PostDuration)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(idempotentReplays)
}
