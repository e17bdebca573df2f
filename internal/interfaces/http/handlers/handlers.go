// Package handlers implements the HTTP surface described in spec.md
// §6: health/metrics/demo-keys are public, /api/* requires
// authentication (an external collaborator this package never
// implements — see authMiddleware in server.go). Every handler here
// is a thin adapter over *broker.Broker; it never touches core state
// directly.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	httpContracts "github.com/sawpanic/pixybroker/internal/interfaces/http"

	"github.com/sawpanic/pixybroker/internal/broker"

	"github.com/rs/zerolog/log"
)

// Handlers wires the broker into the mux.Router's route table.
type Handlers struct {
	Broker BrokerAPI
}

// NewHandlers builds a Handlers bound to api.
func NewHandlers(api BrokerAPI) *Handlers {
	return &Handlers{Broker: api}
}

// writeJSON writes a JSON response, logging (never panicking) if
// encoding fails partway through.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes the standard ErrorResponse envelope.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(httpContracts.RequestIDKey{}).(string)
	if requestID == "" {
		requestID = "unknown"
	}
	h.writeJSON(w, status, httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

// writeBrokerError maps a *broker.Error to the appropriate HTTP status
// and writes it through writeError. Errors that aren't *broker.Error
// (shouldn't happen from core operations, but handlers call other
// things too) fall back to 500.
func (h *Handlers) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	var be *broker.Error
	if !errors.As(err, &be) {
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch be.Kind {
	case broker.KindAlreadyExists:
		status = http.StatusConflict
	case broker.KindNotFound:
		status = http.StatusNotFound
	case broker.KindInvalidName:
		status = http.StatusBadRequest
	case broker.KindRateLimited:
		status = http.StatusTooManyRequests
	case broker.KindTimeout:
		status = http.StatusGatewayTimeout
	case broker.KindDeliveryError, broker.KindPersistenceError:
		status = http.StatusInternalServerError
	}
	h.writeError(w, r, status, string(be.Kind), be.Error())
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

// Unauthorized rejects a request missing a valid API key.
func (h *Handlers) Unauthorized(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
}
