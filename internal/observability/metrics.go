package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lobbyPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous_service",
		Subsystem: "persistence",
		Name:      "last_lobby_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent lobby persisted to Postgres.",
	})
	rewardsIssuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous_service",
		Subsystem: "persistence",
		Name:      "last_rewards_issued_timestamp_seconds",
		Help:      "Unix timestamp of the most recent reward payout committed.",
	})
	lobbyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous_service",
		Subsystem: "lobby",
		Name:      "state_transitions_total",
		Help:      "Count of lobby state transitions, labeled by resulting state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(lobbyPersistGauge, rewardsIssuedGauge, lobbyTransitions)
}

// RecordLobbyPersisted updates the persistence watermark gauge.
func RecordLobbyPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lobbyPersistGauge.Set(float64(ts.Unix()))
}

// RecordRewardsIssued updates the payout watermark gauge.
func RecordRewardsIssued(ts time.Time) {
	if ts.IsZero() {
		return
	}
	rewardsIssuedGauge.Set(float64(ts.Unix()))
}

// RecordLobbyTransition counts one state machine transition.
func RecordLobbyTransition(state string) {
	lobbyTransitions.WithLabelValues(state).Inc()
}
