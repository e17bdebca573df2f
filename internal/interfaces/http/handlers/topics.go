package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/pixybroker/internal/broker"
	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

func topicToResponse(t *broker.Topic) httpContracts.TopicResponse {
	return httpContracts.TopicResponse{
		Name:               t.Name,
		Creator:            t.Creator,
		CreatedAt:          t.CreatedAt,
		MessageCount:       t.MessageCount,
		SubscriberCount:    t.SubscriberCount,
		MaxQueueSize:       t.Config.MaxQueueSize,
		MessageRetentionMS: int64(t.Config.MessageRetention / time.Millisecond),
		MaxRetries:         t.Config.MaxRetries,
		RequireAck:         t.Config.RequireAck,
	}
}

// ListTopics handles GET /api/topics.
func (h *Handlers) ListTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.Broker.ListTopics()
	out := make([]httpContracts.TopicResponse, len(topics))
	for i, t := range topics {
		out[i] = topicToResponse(t)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CreateTopic handles POST /api/topics.
func (h *Handlers) CreateTopic(w http.ResponseWriter, r *http.Request) {
	var req httpContracts.CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	var overrides *broker.TopicConfig
	if req.MaxQueueSize != 0 || req.MessageRetentionMS != 0 || req.MaxRetries != 0 || req.RequireAck {
		overrides = &broker.TopicConfig{
			MaxQueueSize:     req.MaxQueueSize,
			MessageRetention: time.Duration(req.MessageRetentionMS) * time.Millisecond,
			MaxRetries:       req.MaxRetries,
			RequireAck:       req.RequireAck,
		}
	}
	t, err := h.Broker.CreateTopic(req.Name, req.Creator, overrides)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, topicToResponse(t))
}

// DeleteTopic handles DELETE /api/topics/{name}.
func (h *Handlers) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.Broker.DeleteTopic(name); err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TopicMessages handles GET /api/messages/{topic}.
func (h *Handlers) TopicMessages(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseLimit(v); err == nil {
			limit = n
		}
	}
	msgs := h.Broker.TopicHistory(topic, limit)
	out := make([]httpContracts.MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = httpContracts.MessageResponse{
			ID:            m.ID,
			Topic:         m.Topic,
			Payload:       m.Payload,
			PublisherID:   m.PublisherID,
			CreatedAt:     m.CreatedAt,
			Headers:       m.Headers,
			CorrelationID: m.CorrelationID,
			ReplyTo:       m.ReplyTo,
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func parseLimit(v string) (int, error) {
	return strconv.Atoi(v)
}
