package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	betTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_bets_total",
			Help: "Bets by game and result (win, loss, open, rejected, voided)",
		},
		[]string{"game", "result"},
	)

	settleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wager_settlement_duration_ms",
			Help:    "Place-bet settlement duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"game"},
	)

	cashoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_cashouts_total",
			Help: "Cash-out requests by game and result",
		},
		[]string{"game", "result"},
	)

	fundingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_funding_events_total",
			Help: "Funding events by direction and result (applied, duplicate, rejected)",
		},
		[]string{"direction", "result"},
	)

	voidedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_rounds_voided_total",
			Help: "Rounds voided with stake refunded, by reason",
		},
		[]string{"reason"},
	)

	nonceReuseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wager_nonce_reuse_total",
			Help: "Nonce reuse invariant violations. Must stay at zero.",
		},
	)

	crashPoint = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wager_crash_point",
			Help:    "Revealed crash points",
			Buckets: []float64{1, 1.5, 2, 3, 5, 10, 25, 100, 1000},
		},
	)
)

// RecordBet records the outcome of a place-bet call.
func RecordBet(game, result string, started time.Time) {
	betTotal.WithLabelValues(game, result).Inc()
	settleDuration.WithLabelValues(game).Observe(float64(time.Since(started).Milliseconds()))
}

// RecordCashout records a cash-out decision.
func RecordCashout(game, result string) {
	cashoutTotal.WithLabelValues(game, result).Inc()
}

// RecordFunding records a funding event.
func RecordFunding(direction, result string) {
	fundingTotal.WithLabelValues(direction, result).Inc()
}

// RecordVoid records a voided round.
func RecordVoid(reason string) {
	voidedTotal.WithLabelValues(reason).Inc()
}

// RecordNonceReuse flags an invariant violation for alerting.
func RecordNonceReuse() {
	nonceReuseTotal.Inc()
}

// RecordCrashPoint records a crash round's revealed crash point.
func RecordCrashPoint(multiplier float64) {
	crashPoint.Observe(multiplier)
}
