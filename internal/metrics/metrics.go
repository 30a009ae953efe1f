package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicerooms_members_active",
		Help: "Number of members currently present across all rooms",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicerooms_ws_connections_active",
		Help: "Number of open signaling connections",
	})
)

// Counters
var (
	RoomJoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicerooms_room_joins_total",
		Help: "Room join attempts by outcome",
	}, []string{"outcome"})
	SignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicerooms_signals_relayed_total",
		Help: "Envelopes relayed by type",
	}, []string{"type"})
	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicerooms_signals_dropped_total",
		Help: "Envelopes dropped by reason",
	}, []string{"reason"})
	GraceExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicerooms_grace_expired_total",
		Help: "Members removed after their reconnect grace period expired",
	})
	RoomsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicerooms_rooms_reaped_total",
		Help: "Empty rooms destroyed after the empty-room grace period",
	})
)
