package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// WriteTimeout bounds each rebroadcast write. A subscriber that
	// cannot keep up is evicted. Default: 5s
	WriteTimeout time.Duration
}

func (c *ForwarderConfig) validate() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Forwarder is the bus's rendezvous point: it accepts any number of
// publish connections and any number of subscribe connections, and
// rebroadcasts every envelope received on the former to all of the
// latter. One forwarder per deployment lets N writer processes and M
// socket-serving processes interoperate.
type Forwarder struct {
	cfg      ForwarderConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*forwardConn]struct{}
}

// forwardConn serializes writes to one subscribe connection; broadcasts
// from concurrent publishers would otherwise interleave frames.
type forwardConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (fc *forwardConn) write(data []byte, deadline time.Duration) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.conn.SetWriteDeadline(time.Now().Add(deadline))
	return fc.conn.WriteMessage(websocket.TextMessage, data)
}

// NewForwarder creates a Forwarder.
func NewForwarder(cfg ForwarderConfig, logger *slog.Logger) *Forwarder {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*forwardConn]struct{}),
	}
}

// Routes registers the publish and subscribe endpoints.
func (f *Forwarder) Routes(r gin.IRouter) {
	r.GET("/publish", f.handlePublish)
	r.GET("/subscribe", f.handleSubscribe)
}

func (f *Forwarder) handlePublish(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error("forwarder publish upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	f.logger.Debug("publisher connected", "remote", conn.RemoteAddr().String())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.logger.Debug("publisher disconnected", "error", err)
			return
		}
		// Validate before rebroadcasting so one bad publisher cannot
		// feed garbage to every subscriber.
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Topic == "" {
			f.logger.Warn("dropping malformed envelope from publisher")
			continue
		}
		f.broadcast(data)
	}
}

func (f *Forwarder) handleSubscribe(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Error("forwarder subscribe upgrade failed", "error", err)
		return
	}

	fc := &forwardConn{conn: conn}
	f.mu.Lock()
	f.subs[fc] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("subscriber connected", "remote", conn.RemoteAddr().String())

	// Subscribers never send application data; the read loop just
	// services control frames and notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	f.remove(fc)
	conn.Close()
}

// broadcast relays a raw envelope to every subscribe connection. A
// failed write evicts that subscriber and never blocks the rest.
func (f *Forwarder) broadcast(data []byte) {
	f.mu.Lock()
	targets := make([]*forwardConn, 0, len(f.subs))
	for fc := range f.subs {
		targets = append(targets, fc)
	}
	f.mu.Unlock()

	for _, fc := range targets {
		if err := fc.write(data, f.cfg.WriteTimeout); err != nil {
			f.logger.Warn("evicting forwarder subscriber after failed write", "error", err)
			f.remove(fc)
			fc.conn.Close()
		}
	}
}

// SubscriberCount returns the number of live subscribe connections.
func (f *Forwarder) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Forwarder) remove(fc *forwardConn) {
	f.mu.Lock()
	delete(f.subs, fc)
	f.mu.Unlock()
}

// Close disconnects every subscriber.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	targets := make([]*forwardConn, 0, len(f.subs))
	for fc := range f.subs {
		targets = append(targets, fc)
	}
	f.subs = make(map[*forwardConn]struct{})
	f.mu.Unlock()

	for _, fc := range targets {
		fc.conn.Close()
	}
	return nil
}
