// Package pubsub maintains the topic subscriptions of one process's
// WebSocket connections and delivers broadcast payloads to them.
package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrUnauthorized is returned when a registered auth hook denies a
	// topic.
	ErrUnauthorized = errors.New("docsync: not authorized for topic")

	// ErrUnknownConnection is returned when subscribing an unregistered
	// connection id.
	ErrUnknownConnection = errors.New("docsync: unknown connection")

	// ErrClosed is returned for operations on a closed manager.
	ErrClosed = errors.New("docsync: subscription manager closed")
)

// Sender is the write side of a live connection. Implementations apply
// their own short per-send deadline; a send that never completes must
// fail instead of blocking delivery to other subscribers.
type Sender interface {
	Send(payload []byte) error
}

// AuthFunc decides whether a credential may subscribe to a topic. The
// topic arrives in full, namespace prefix included.
type AuthFunc func(credential, topic string) error

// Manager tracks which connections subscribe to which topics. State is
// process-local and rebuilt from scratch on restart: clients resubscribe
// after reconnecting.
//
// The two multimaps are kept mutually consistent under one mutex:
// a connection appears in topics[t] exactly when t appears in
// conns[connID].
type Manager struct {
	mu      sync.Mutex
	topics  map[string]map[string]struct{}
	conns   map[string]map[string]struct{}
	senders map[string]Sender
	auth    map[string]AuthFunc
	closed  bool
	logger  *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		topics:  make(map[string]map[string]struct{}),
		conns:   make(map[string]map[string]struct{}),
		senders: make(map[string]Sender),
		auth:    make(map[string]AuthFunc),
		logger:  logger,
	}
}

// RegisterAuth installs the auth hook for a topic namespace. Topics are
// strings of the form "<namespace>:<rest>"; the namespace selects the
// hook.
func (m *Manager) RegisterAuth(namespace string, fn AuthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth[namespace] = fn
}

// Authorize checks a credential against the topic's namespace hook.
// Namespaces with no registered hook permit by default; some namespaces
// are intentionally public, so gating is opt-in per namespace.
func (m *Manager) Authorize(credential, topic string) error {
	namespace, _, found := strings.Cut(topic, ":")
	if !found {
		namespace = topic
	}

	m.mu.Lock()
	fn, ok := m.auth[namespace]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := fn(credential, topic); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnauthorized, topic, err)
	}
	return nil
}

// AddConnection registers a connection's send handle. Must be called
// before the connection subscribes to anything.
func (m *Manager) AddConnection(connID string, s Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.senders[connID] = s
	if m.conns[connID] == nil {
		m.conns[connID] = make(map[string]struct{})
	}
	return nil
}

// Subscribe adds the connection to a topic. Callers authorize first;
// Subscribe itself performs no gating.
func (m *Manager) Subscribe(connID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.senders[connID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]struct{})
	}
	m.topics[topic][connID] = struct{}{}
	m.conns[connID][topic] = struct{}{}
	return nil
}

// Unsubscribe removes the connection from a topic. Unknown pairs are a
// no-op. Removing the last subscriber removes the topic entry entirely.
func (m *Manager) Unsubscribe(connID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(connID, topic)
}

// RemoveConnection removes every trace of a connection from both maps.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeConnectionLocked(connID)
}

// Topics returns the topics a connection currently subscribes to.
func (m *Manager) Topics(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns[connID]))
	for topic := range m.conns[connID] {
		out = append(out, topic)
	}
	return out
}

// Subscribers returns the connection ids subscribed to a topic.
func (m *Manager) Subscribers(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics[topic]))
	for connID := range m.topics[topic] {
		out = append(out, connID)
	}
	return out
}

// HasTopic reports whether any connection subscribes to the topic.
func (m *Manager) HasTopic(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Send writes payload to every subscriber of topic except those in
// exclude, and returns the number of successful deliveries. The
// subscriber set is snapshotted first, since a failed send mutates the
// maps: the dead connection is evicted and delivery continues to the
// rest.
func (m *Manager) Send(topic string, payload []byte, exclude map[string]struct{}) int {
	m.mu.Lock()
	type target struct {
		connID string
		sender Sender
	}
	targets := make([]target, 0, len(m.topics[topic]))
	for connID := range m.topics[topic] {
		if _, skip := exclude[connID]; skip {
			continue
		}
		if s, ok := m.senders[connID]; ok {
			targets = append(targets, target{connID: connID, sender: s})
		}
	}
	m.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := t.sender.Send(payload); err != nil {
			m.logger.Warn("dropping connection after failed send",
				"connID", t.connID,
				"topic", topic,
				"error", err,
			)
			m.RemoveConnection(t.connID)
			continue
		}
		delivered++
	}
	return delivered
}

// Close shuts the manager down. Connections still registered at close
// are a leak indicator and logged as a warning, not treated as fatal.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if len(m.senders) > 0 {
		m.logger.Warn("closing subscription manager with live connections",
			"connections", len(m.senders),
		)
	}
	m.topics = make(map[string]map[string]struct{})
	m.conns = make(map[string]map[string]struct{})
	m.senders = make(map[string]Sender)
	return nil
}

func (m *Manager) unsubscribeLocked(connID, topic string) {
	if subs := m.topics[topic]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
	if topics := m.conns[connID]; topics != nil {
		delete(topics, topic)
	}
}

func (m *Manager) removeConnectionLocked(connID string) {
	for topic := range m.conns[connID] {
		if subs := m.topics[topic]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
	}
	delete(m.conns, connID)
	delete(m.senders, connID)
}
