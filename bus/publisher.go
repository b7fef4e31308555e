package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("docsync: publisher closed")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// URL is the forwarder's publish endpoint (ws://host/publish).
	URL string

	// QueueSize bounds the in-process queue between request handlers
	// and the network drain loop. When full, the oldest queued envelope
	// is dropped so the request thread never stalls.
	// Default: 256
	QueueSize int

	// WriteTimeout bounds each socket write. Default: 5s
	WriteTimeout time.Duration

	// DialTimeout bounds each connection attempt. Default: 5s
	DialTimeout time.Duration

	// ReconnectDelay is the pause between reconnection attempts.
	// Default: 500ms
	ReconnectDelay time.Duration
}

func (c *PublisherConfig) validate() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
}

// Publisher pushes envelopes to the forwarder. Publish enqueues and
// returns immediately; a dedicated goroutine drains the queue so a slow
// network send never blocks the caller.
type Publisher struct {
	cfg    PublisherConfig
	logger *slog.Logger

	queue chan Envelope
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a Publisher. Call Start before publishing.
func NewPublisher(cfg PublisherConfig, logger *slog.Logger) *Publisher {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Envelope, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.drain()
}

// Publish enqueues an envelope without blocking. Under backpressure the
// oldest queued envelope is dropped and logged; consumers treat bus
// traffic as a cache-invalidation signal, so losing an old notification
// is preferable to stalling a request thread.
func (p *Publisher) Publish(env Envelope) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	p.mu.Unlock()

	select {
	case p.queue <- env:
		return nil
	default:
	}

	// Queue full: drop the oldest, then retry once.
	select {
	case old := <-p.queue:
		p.logger.Warn("publish queue full, dropping oldest envelope", "topic", old.Topic)
	default:
	}
	select {
	case p.queue <- env:
	default:
		p.logger.Warn("publish queue full, dropping envelope", "topic", env.Topic)
	}
	return nil
}

// Close stops accepting envelopes, drains what it can within the
// context's deadline, closes the socket and joins the drain goroutine.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) drain() {
	defer p.wg.Done()

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	send := func(env Envelope) {
		for {
			if conn == nil {
				conn = p.connect()
				if conn == nil {
					// Shutting down; abandon the envelope.
					return
				}
			}
			conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			if err := conn.WriteJSON(env); err == nil {
				return
			}
			p.logger.Warn("publish write failed, reconnecting", "topic", env.Topic)
			conn.Close()
			conn = nil
		}
	}

	for {
		select {
		case env := <-p.queue:
			send(env)
		case <-p.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case env := <-p.queue:
					send(env)
				default:
					return
				}
			}
		}
	}
}

// connect dials the forwarder, retrying until it succeeds or shutdown
// begins. Returns nil only on shutdown.
func (p *Publisher) connect() *websocket.Conn {
	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.DialTimeout}
	for {
		conn, _, err := dialer.Dial(p.cfg.URL, nil)
		if err == nil {
			return conn
		}
		p.logger.Warn("publisher dial failed", "url", p.cfg.URL, "error", err)
		select {
		case <-p.stop:
			return nil
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}
