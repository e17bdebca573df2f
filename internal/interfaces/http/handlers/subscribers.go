package handlers

import (
	"net/http"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

// ListSubscribers handles GET /api/subscribers.
func (h *Handlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs := h.Broker.ListSubscribers()
	out := make([]httpContracts.SubscriberResponse, len(subs))
	for i, s := range subs {
		out[i] = httpContracts.SubscriberResponse{
			ID:             s.ID,
			ClientID:       s.ClientID,
			Topics:         s.Topics,
			Online:         s.Online,
			PendingCount:   s.PendingCount,
			DeliveredCount: s.DeliveredCount,
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}
