package guestsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelKind   = "kind"
	labelResult = "result"
)

var (
	replayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestsync_replay_total",
			Help: "Pending actions replayed against the API, by kind and result.",
		},
		[]string{labelKind, labelResult},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestsync_queue_depth",
			Help: "Pending actions left after the last drain pass or enqueue.",
		},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guestsync_drain_duration_seconds",
			Help:    "Wall time of one drain pass.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	enqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestsync_enqueue_total",
			Help: "Mutations queued for later replay, by kind.",
		},
		[]string{labelKind},
	)

	connectivityState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestsync_online",
			Help: "1 when the API is reachable, 0 otherwise.",
		},
	)
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
