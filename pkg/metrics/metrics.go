package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveRooms tracks live rooms in the registry.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_active_rooms",
		Help: "Number of live race rooms",
	})

	// JoinsTotal counts accepted room joins.
	JoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_joins_total",
		Help: "Accepted race room joins",
	})

	// DenialsTotal counts admission denials by reason.
	DenialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_denials_total",
		Help: "Admission denials by reason",
	}, []string{"reason"})

	// StaleUpdatesDropped counts position updates rejected for carrying
	// a timestamp not newer than the stored one.
	StaleUpdatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_stale_updates_dropped_total",
		Help: "Position updates dropped by the last-writer-wins timestamp guard",
	})

	// UnknownUpdatesDropped counts updates for participants that are not members.
	UnknownUpdatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_unknown_updates_dropped_total",
		Help: "Position updates dropped because the sender is not a room member",
	})

	// FramesDropped counts outbound frames dropped on slow consumers.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_frames_dropped_total",
		Help: "Outbound frames dropped because a client send buffer was full",
	})

	// BroadcastsTotal counts roster broadcasts flushed per room.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_roster_broadcasts_total",
		Help: "Roster broadcasts flushed to room members",
	})

	// EvictionsTotal counts reaper transitions by kind (stale or hard).
	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_evictions_total",
		Help: "Reaper stale transitions and hard evictions",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ActiveRooms,
		JoinsTotal,
		DenialsTotal,
		StaleUpdatesDropped,
		UnknownUpdatesDropped,
		FramesDropped,
		BroadcastsTotal,
		EvictionsTotal,
	)
}

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
