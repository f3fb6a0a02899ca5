package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: mediabridge (application-level grouping)
// - subsystem: websocket, room, worker (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants, worker load)
// - Counter: Cumulative events (commands processed, errors)
// - Histogram: Latency distributions (command handling time)

var (
	// ActiveConnections tracks the current number of open signaling sockets.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// MediaCommands counts dispatched media commands by action and outcome.
	MediaCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabridge",
		Subsystem: "room",
		Name:      "media_commands_total",
		Help:      "Total media commands processed",
	}, []string{"action", "status"})

	// CommandDuration tracks time spent handling one media command.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediabridge",
		Subsystem: "room",
		Name:      "command_duration_seconds",
		Help:      "Time spent handling media commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action"})

	// ActiveSpeakerEvents counts dominant-speaker notifications fanned out.
	ActiveSpeakerEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediabridge",
		Subsystem: "room",
		Name:      "active_speaker_events_total",
		Help:      "Total dominant speaker events broadcast",
	})

	// WorkerParticipants tracks participants hosted per worker process.
	WorkerParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "worker",
		Name:      "participants_count",
		Help:      "Participants hosted on each media worker",
	}, []string{"pid"})

	// WorkerRooms tracks rooms hosted per worker process.
	WorkerRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "worker",
		Name:      "rooms_count",
		Help:      "Rooms hosted on each media worker",
	}, []string{"pid"})

	// RateLimitRequests counts requests that passed the limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabridge",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked by the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts rejected requests by path and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabridge",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState reflects the bus circuit breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediabridge",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediabridge",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected while the circuit breaker is open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
