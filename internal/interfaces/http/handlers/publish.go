package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

// Publish handles POST /api/publish.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	var req httpContracts.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	msg, err := h.Broker.Publish(req.Topic, req.Payload, req.PublisherID, req.Headers, ttl)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, httpContracts.PublishResponse{
		MessageID: msg.ID,
		Topic:     msg.Topic,
		CreatedAt: msg.CreatedAt,
	})
}
