package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presync_sessions_live",
		Help: "The current number of sessions held by the registry.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presync_sessions_closed_total",
		Help: "The total number of sessions removed from the registry.",
	}, []string{"reason"})
	CommandsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presync_commands_queued_total",
		Help: "The total number of commands appended to session queues.",
	})
	PresenterReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presync_presenter_replacements_total",
		Help: "The total number of presenters force-disconnected by a newer presenter.",
	})
	PeersPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presync_peers_pruned_total",
		Help: "The total number of dead connections pruned from sessions.",
	})

	// Realtime metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presync_ws_connections_active",
		Help: "The current number of open realtime connections.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presync_ws_messages_received_total",
		Help: "The total number of realtime messages received, by type.",
	}, []string{"type"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presync_ws_messages_dropped_total",
		Help: "The total number of inbound realtime messages dropped.",
	}, []string{"reason"})

	// Fallback metrics
	FallbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presync_http_fallback_requests_total",
		Help: "The total number of HTTP fallback session updates, by type.",
	}, []string{"type"})

	// Archive metrics
	ArchiveJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presync_archive_jobs_total",
		Help: "The total number of archive jobs processed, by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
