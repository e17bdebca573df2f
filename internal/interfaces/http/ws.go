package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pixybroker/internal/broker"
)

// frame is the envelope for every WebSocket message, in either
// direction (spec.md §6): type is one of auth, subscribe, unsubscribe,
// publish, message, ack, request, reply, error, ping, pong,
// topic:create, topic:delete, metrics.
type frame struct {
	Type          string            `json:"type"`
	ID            string            `json:"id,omitempty"`
	Topic         string            `json:"topic,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Error         string            `json:"error,omitempty"`
	APIKey        string            `json:"apiKey,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WSHandler upgrades /ws connections and bridges WebSocket frames onto
// the broker: a ping loop and a read/write pump pair running an inbound
// server accept instead of an outbound client. Only the write pump
// writes to the conn, so no mutex guards it.
type WSHandler struct {
	broker   *broker.Broker
	keys     *demoKeyStore
	upgrader websocket.Upgrader
}

// NewWSHandler builds a handler bound to b, accepting only keys known
// to keys (the same demo key store /demo-keys and the REST API use).
func NewWSHandler(b *broker.Broker, keys *demoKeyStore) *WSHandler {
	return &WSHandler{
		broker: b,
		keys:   keys,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	id            string
	clientID      string
	conn          *websocket.Conn
	handler       *WSHandler
	send          chan frame
	authenticated bool
}

// ServeHTTP upgrades the HTTP request and runs the connection's
// read/write pumps until it closes.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		id:      uuid.NewString(),
		handler: h,
		conn:    conn,
		send:    make(chan frame, 64),
	}

	go c.writePump()
	c.readPump()
}

// Deliver implements broker.Sink, pushing a delivered message onto the
// connection's outbound channel as a "message" frame.
func (c *wsConn) Deliver(msg *broker.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame{
		Type:          "message",
		ID:            msg.ID,
		Topic:         msg.Topic,
		Payload:       payload,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Headers:       msg.Headers,
	}:
		return nil
	default:
		return broker.ErrDeliveryError
	}
}

func (c *wsConn) readPump() {
	defer func() {
		c.handler.broker.UnsubscribeAll(c.id)
		c.handler.broker.SetOnline(c.id, false)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn", c.id).Msg("websocket read error")
			}
			return
		}
		c.handle(f)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handle(f frame) {
	switch f.Type {
	case "auth":
		c.authenticated = c.handler.keys.valid(f.APIKey)
		c.clientID = f.ID
		if !c.authenticated {
			c.sendError(f.ID, "unauthorized")
			return
		}
		c.handler.broker.SetOnline(c.id, true)
		c.send <- frame{Type: "auth", ID: f.ID}

	case "subscribe":
		if !c.requireAuth(f) {
			return
		}
		if _, err := c.handler.broker.Subscribe(f.Topic, c.id, c.clientID, nil, c); err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.send <- frame{Type: "subscribe", ID: f.ID, Topic: f.Topic}

	case "unsubscribe":
		if !c.requireAuth(f) {
			return
		}
		if err := c.handler.broker.Unsubscribe(f.Topic, c.id); err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.send <- frame{Type: "unsubscribe", ID: f.ID, Topic: f.Topic}

	case "publish":
		if !c.requireAuth(f) {
			return
		}
		var payload interface{}
		_ = json.Unmarshal(f.Payload, &payload)
		msg, err := c.handler.broker.Publish(f.Topic, payload, c.clientID, f.Headers, 0)
		if err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.send <- frame{Type: "publish", ID: msg.ID, Topic: msg.Topic}

	case "request":
		if !c.requireAuth(f) {
			return
		}
		var payload interface{}
		_ = json.Unmarshal(f.Payload, &payload)
		reply, err := c.handler.broker.Request(f.Topic, payload, c.clientID, 30*time.Second)
		if err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		replyPayload, _ := json.Marshal(reply.Payload)
		c.send <- frame{Type: "reply", ID: f.ID, Topic: reply.Topic, Payload: replyPayload, CorrelationID: reply.CorrelationID}

	case "reply":
		// f.Topic carries the reply-to topic the original request
		// delivered ("_reply.<publisherId>.<correlationId>", spec.md §4.6);
		// publishing to it directly settles the pending Request call.
		var payload interface{}
		_ = json.Unmarshal(f.Payload, &payload)
		_, _ = c.handler.broker.Publish(f.Topic, payload, c.clientID, nil, 0)

	case "ack":
		c.handler.broker.Ack(c.id, f.ID)

	case "topic:create":
		if !c.requireAuth(f) {
			return
		}
		if _, err := c.handler.broker.CreateTopic(f.Topic, c.clientID, nil); err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.send <- frame{Type: "topic:create", ID: f.ID, Topic: f.Topic}

	case "topic:delete":
		if !c.requireAuth(f) {
			return
		}
		if err := c.handler.broker.DeleteTopic(f.Topic); err != nil {
			c.sendError(f.ID, err.Error())
			return
		}
		c.send <- frame{Type: "topic:delete", ID: f.ID, Topic: f.Topic}

	case "metrics":
		stats := c.handler.broker.Stats()
		payload, _ := json.Marshal(stats)
		c.send <- frame{Type: "metrics", Payload: payload}

	case "ping":
		c.send <- frame{Type: "pong", ID: f.ID}

	default:
		c.sendError(f.ID, "unknown frame type: "+f.Type)
	}
}

func (c *wsConn) requireAuth(f frame) bool {
	if !c.authenticated {
		c.sendError(f.ID, "unauthorized")
		return false
	}
	return true
}

func (c *wsConn) sendError(id, msg string) {
	select {
	case c.send <- frame{Type: "error", ID: id, Error: msg}:
	default:
	}
}
