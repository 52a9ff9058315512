package monitoring

import (
	"peermesh/internal/core/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes session metrics on a Prometheus registry. It is
// fed entirely by the event emitter, so wiring it up is a single
// Observe call and the services stay metrics-agnostic.
type Collector struct {
	peersConnected   prometheus.Gauge
	peerQualityTier  *prometheus.GaugeVec
	sessionQuality   prometheus.Gauge
	downgradesTotal  prometheus.Counter
	upgradesTotal    prometheus.Counter
	reconnectsTotal  prometheus.Counter
	reconnectedTotal prometheus.Counter
	networkErrors    *prometheus.CounterVec
	roomsJoined      prometheus.Counter
	presetChanges    *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peermesh_peers_connected",
			Help: "Number of peers with an open data channel",
		}),

		peerQualityTier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peermesh_peer_quality_tier",
			Help: "Per-peer connection quality tier (0=excellent .. 5=disconnected)",
		}, []string{"peer_id"}),

		sessionQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peermesh_session_quality_tier",
			Help: "Aggregate session quality tier (0=excellent .. 5=disconnected)",
		}),

		downgradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_quality_downgrades_total",
			Help: "Quality downgrades applied to the outgoing video",
		}),

		upgradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_quality_upgrades_total",
			Help: "Quality upgrades applied to the outgoing video",
		}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_reconnect_attempts_total",
			Help: "Signaling reconnection attempts",
		}),

		reconnectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_reconnections_total",
			Help: "Successful signaling reconnections",
		}),

		networkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_network_errors_total",
			Help: "Network errors surfaced to the application",
		}, []string{"peer_id"}),

		roomsJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_rooms_joined_total",
			Help: "Rooms joined over the node lifetime",
		}),

		presetChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_video_preset_changes_total",
			Help: "Video preset switches by target preset",
		}, []string{"preset"}),
	}
}

// Observe subscribes the collector to every event it tracks.
func (c *Collector) Observe(em *events.Emitter) {
	em.On(events.PeerConnected, func(events.Event) {
		c.peersConnected.Inc()
	})

	em.On(events.PeerDisconnected, func(ev events.Event) {
		c.peersConnected.Dec()
		c.peerQualityTier.DeleteLabelValues(string(ev.PeerID))
	})

	em.On(events.ConnectionQuality, func(ev events.Event) {
		c.peerQualityTier.WithLabelValues(string(ev.PeerID)).Set(float64(ev.Quality))
	})

	em.On(events.QualityUpdate, func(ev events.Event) {
		c.sessionQuality.Set(float64(ev.Quality))
	})

	em.On(events.QualityDowngrade, func(events.Event) {
		c.downgradesTotal.Inc()
	})

	em.On(events.QualityUpgrade, func(events.Event) {
		c.upgradesTotal.Inc()
	})

	em.On(events.Reconnecting, func(events.Event) {
		c.reconnectsTotal.Inc()
	})

	em.On(events.Reconnected, func(events.Event) {
		c.reconnectedTotal.Inc()
	})

	em.On(events.NetworkError, func(ev events.Event) {
		c.networkErrors.WithLabelValues(string(ev.PeerID)).Inc()
	})

	em.On(events.RoomJoined, func(events.Event) {
		c.roomsJoined.Inc()
	})

	em.On(events.VideoQualityChange, func(ev events.Event) {
		c.presetChanges.WithLabelValues(ev.Preset).Inc()
	})
}
