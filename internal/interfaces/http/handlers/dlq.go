package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

// ListDeadLetters handles GET /api/dlq.
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := h.Broker.ListDeadLetters()
	out := make([]httpContracts.DeadLetterResponse, len(entries))
	for i, e := range entries {
		out[i] = httpContracts.DeadLetterResponse{
			ID:            e.ID,
			OriginalTopic: e.OriginalTopic,
			SubscriberID:  e.SubscriberID,
			Reason:        e.Reason,
			FailedAt:      e.FailedAt,
			Payload:       e.Message.Payload,
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// RetryDeadLetter handles POST /api/dlq/{id}/retry.
func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Broker.RetryDeadLetter(id); err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryAllDeadLetters handles POST /api/dlq/retry-all.
func (h *Handlers) RetryAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	n := h.Broker.RetryAllDeadLetters()
	h.writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// DeleteDeadLetter handles DELETE /api/dlq/{id}.
func (h *Handlers) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.Broker.DeleteDeadLetter(id) {
		h.writeError(w, r, http.StatusNotFound, "not_found", "dead letter entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
