package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jacentio/docsync/pubsub"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// URL is the forwarder's subscribe endpoint (ws://host/subscribe).
	URL string

	// DialTimeout bounds each connection attempt. Default: 5s
	DialTimeout time.Duration

	// ReconnectDelay is the pause between reconnection attempts.
	// Default: 500ms
	ReconnectDelay time.Duration
}

func (c *SubscriberConfig) validate() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
}

// Subscriber is one process's inbound side of the bus. Its receive loop
// runs on a dedicated goroutine, blocking on the socket between
// messages; every envelope received is handed to the local subscription
// manager with the originator excluded.
//
// The subscriber reconnects after a dropped connection. Envelopes
// published during the outage are lost; that is the documented
// best-effort contract, and clients recover by re-fetching.
type Subscriber struct {
	cfg     SubscriberConfig
	manager *pubsub.Manager
	logger  *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSubscriber creates a Subscriber delivering into manager.
func NewSubscriber(cfg SubscriberConfig, manager *pubsub.Manager, logger *slog.Logger) *Subscriber {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start launches the receive loop.
func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops the receive loop, closes the socket and joins the
// goroutine, bounded by the context's deadline.
func (s *Subscriber) Close(ctx context.Context) error {
	close(s.stop)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) run() {
	defer s.wg.Done()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, _, err := dialer.Dial(s.cfg.URL, nil)
		if err != nil {
			s.logger.Warn("subscriber dial failed", "url", s.cfg.URL, "error", err)
			select {
			case <-s.stop:
				return
			case <-time.After(s.cfg.ReconnectDelay):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.receive(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}
}

// receive reads envelopes until the connection fails.
func (s *Subscriber) receive(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-s.stop:
			default:
				s.logger.Warn("subscriber connection lost", "error", err)
			}
			return
		}
		s.manager.Send(env.Topic, Frame(env.Topic, env.Payload), ExcludeSet(env.Exclude))
	}
}
