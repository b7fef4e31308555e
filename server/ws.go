// Package server is the connection layer: it owns the client-facing
// WebSocket endpoint, translates subscribe/unsubscribe frames into
// subscription manager calls, and hosts the HTTP surface for both the
// client endpoint and the forwarder.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jacentio/docsync/pubsub"
)

// clientFrame is the inbound message shape from browser clients.
type clientFrame struct {
	MsgType string `json:"msgtype"`
	Topic   string `json:"topic"`
	Auth    string `json:"auth"`
}

// statusFrame acknowledges a successful subscribe or unsubscribe.
type statusFrame struct {
	Status []any `json:"status"`
}

// errorFrame reports a rejected request without closing the connection.
type errorFrame struct {
	Error string `json:"error"`
	Topic string `json:"topic,omitempty"`
}

// HandlerConfig configures the WebSocket handler.
type HandlerConfig struct {
	// SendTimeout bounds each write to a client connection. A send
	// that exceeds it marks the connection dead. Default: 5s
	SendTimeout time.Duration
}

func (c *HandlerConfig) validate() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Handler upgrades client connections and wires them to the process's
// subscription manager.
type Handler struct {
	cfg      HandlerConfig
	manager  *pubsub.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler over the process's manager.
func NewHandler(cfg HandlerConfig, manager *pubsub.Manager, logger *slog.Logger) *Handler {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes registers the client WebSocket endpoint.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/ws", h.handleWS)
}

func (h *Handler) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	sender := &wsSender{conn: conn, timeout: h.cfg.SendTimeout}
	if err := h.manager.AddConnection(connID, sender); err != nil {
		h.logger.Error("registering connection failed", "connID", connID, "error", err)
		return
	}
	defer h.manager.RemoveConnection(connID)
	h.logger.Info("websocket client connected", "connID", connID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("websocket client disconnected", "connID", connID, "error", err.Error())
			return
		}
		h.handleFrame(connID, sender, data)
	}
}

// handleFrame processes one inbound frame. Malformed frames are logged
// and ignored; the connection stays open. Only transport-level failure
// closes a connection.
func (h *Handler) handleFrame(connID string, sender *wsSender, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn("ignoring malformed frame", "connID", connID, "error", err)
		return
	}

	switch frame.MsgType {
	case "subscribe":
		if err := h.manager.Authorize(frame.Auth, frame.Topic); err != nil {
			h.logger.Warn("subscribe rejected", "connID", connID, "topic", frame.Topic)
			h.reply(connID, sender, errorFrame{Error: "unauthorized", Topic: frame.Topic})
			return
		}
		if err := h.manager.Subscribe(connID, frame.Topic); err != nil {
			h.logger.Warn("subscribe failed", "connID", connID, "topic", frame.Topic, "error", err)
			return
		}
		h.reply(connID, sender, statusFrame{Status: []any{"subscribesuccess", frame.Topic, connID}})

	case "unsubscribe":
		h.manager.Unsubscribe(connID, frame.Topic)
		h.reply(connID, sender, statusFrame{Status: []any{"unsubscribesuccess", frame.Topic, connID}})

	default:
		h.logger.Warn("ignoring frame with unknown msgtype", "connID", connID, "msgtype", frame.MsgType)
	}
}

func (h *Handler) reply(connID string, sender *wsSender, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal reply", "connID", connID, "error", err)
		return
	}
	if err := sender.Send(data); err != nil {
		h.logger.Warn("reply failed", "connID", connID, "error", err)
	}
}

// wsSender is the pubsub.Sender over one client connection. Writes are
// serialized: the read-loop replies and bus deliveries share the socket.
type wsSender struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

// Send implements pubsub.Sender.
func (s *wsSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
