package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sawpanic/pixybroker/internal/broker"
	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"
)

func groupToResponse(g *broker.ConsumerGroup) httpContracts.GroupResponse {
	members := make([]httpContracts.GroupMemberResponse, len(g.Members))
	for i, m := range g.Members {
		members[i] = httpContracts.GroupMemberResponse{
			SubscriberID:   m.SubscriberID,
			ClientID:       m.ClientID,
			Leader:         m.Leader,
			Partitions:     m.Partitions,
			ProcessedCount: m.ProcessedCount,
		}
	}
	return httpContracts.GroupResponse{
		Name:            g.Name,
		Topic:           g.Topic,
		Strategy:        string(g.Strategy),
		CurrentOffset:   g.CurrentOffset,
		CommittedOffset: g.CommittedOffset,
		Members:         members,
	}
}

// ListGroups handles GET /api/groups.
func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.Broker.ListGroups()
	out := make([]httpContracts.GroupResponse, len(groups))
	for i, g := range groups {
		out[i] = groupToResponse(g)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetGroup handles GET /api/groups/{name}.
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	g, err := h.Broker.GetGroup(name)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, groupToResponse(g))
}

type createGroupRequest struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	Strategy string `json:"strategy"`
}

// CreateGroup handles POST /api/groups.
func (h *Handlers) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	strategy := broker.GroupStrategy(req.Strategy)
	if strategy == "" {
		strategy = broker.StrategyRoundRobin
	}
	g, err := h.Broker.CreateGroup(req.Name, req.Topic, strategy)
	if err != nil {
		h.writeBrokerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, groupToResponse(g))
}
