package handlers

import (
	"net/http"
	"time"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

var startedAt = time.Now()

// Health handles GET /health — public per spec.md §6, no broker state
// beyond process uptime is exposed.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, httpContracts.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(startedAt),
	})
}
