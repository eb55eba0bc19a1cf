package feed

import "github.com/prometheus/client_golang/prometheus"

var (
	feedPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blertbank_feed_published_total",
			Help: "Committed transactions handed to a feed sink",
		},
		[]string{"sink"},
	)
	feedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blertbank_feed_errors_total",
			Help: "Failed feed sink publishes",
		},
		[]string{"sink"},
	)
	feedGapsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blertbank_feed_gaps_skipped_total",
			Help: "Missing transaction ids the relay moved past",
		},
		[]string{"reason"},
	)
	feedCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blertbank_feed_cursor",
			Help: "Id of the last relayed transaction",
		},
	)
)

func init() {
	prometheus.MustRegister(feedPublished)
	prometheus.MustRegister(feedErrors)
	prometheus.MustRegister(feedGapsSkipped)
	prometheus.MustRegister(feedCursor)
}
