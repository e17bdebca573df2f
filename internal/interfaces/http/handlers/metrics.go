package handlers

import (
	"net/http"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

// Metrics handles GET /api/metrics — the JSON counterpart to the
// Prometheus exposition served separately at /metrics.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.Broker.Stats()
	h.writeJSON(w, http.StatusOK, httpContracts.MetricsResponse{
		Uptime:          stats.Uptime,
		TotalMessages:   stats.TotalMessages,
		MessagesPerSec:  stats.MessagesPerSec,
		TopicCount:      stats.TopicCount,
		SubscriberCount: stats.SubscriberCount,
		DeadLetterCount: stats.DeadLetterCount,
		QueueDepthTotal: stats.QueueDepthTotal,
	})
}
