// Package e2e wires the full pipeline together in one process: client
// WebSockets into the subscription manager, the engine into the bus, and
// the forwarder relaying between two simulated worker processes.
package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jacentio/docsync/bus"
	"github.com/jacentio/docsync/protocol"
	"github.com/jacentio/docsync/pubsub"
	"github.com/jacentio/docsync/server"
	"github.com/jacentio/docsync/store"
)

// worker is one simulated process: a manager, its client-facing
// WebSocket endpoint, a bus subscriber, and an engine sharing the
// deployment's backend and publisher.
type worker struct {
	manager *pubsub.Manager
	engine  *protocol.Engine
	wsURL   string
}

type deployment struct {
	forwarder *bus.Forwarder
	publisher *bus.Publisher
	workers   []*worker
}

func startDeployment(t *testing.T, workerCount int) *deployment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// One forwarder per deployment.
	fwdEngine := gin.New()
	fwd := bus.NewForwarder(bus.ForwarderConfig{}, nil)
	fwd.Routes(fwdEngine)
	fwdSrv := httptest.NewServer(fwdEngine)
	t.Cleanup(fwdSrv.Close)
	t.Cleanup(func() { fwd.Close() })
	base := "ws" + strings.TrimPrefix(fwdSrv.URL, "http")

	// One shared backend, as if all workers pointed at the same
	// database.
	backend := store.NewMemoryBackend()
	registry := store.NewRegistry()
	registry.Register("Plot", store.KindSpec{})
	registry.Register("Glyph", store.KindSpec{})
	docs := protocol.StaticDocuments{
		"d1": {
			ID:     "d1",
			Root:   store.Ref{Type: "Plot", ID: "root"},
			Access: protocol.Access{WriteKeys: []string{"writer-key"}},
		},
	}

	pub := bus.NewPublisher(bus.PublisherConfig{URL: base + "/publish"}, nil)
	pub.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pub.Close(ctx)
	})

	d := &deployment{forwarder: fwd, publisher: pub}
	for n := 0; n < workerCount; n++ {
		m := pubsub.NewManager(nil)

		sub := bus.NewSubscriber(bus.SubscriberConfig{URL: base + "/subscribe"}, m, nil)
		sub.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			sub.Close(ctx)
		})

		wsEngine := gin.New()
		server.NewHandler(server.HandlerConfig{}, m, nil).Routes(wsEngine)
		wsSrv := httptest.NewServer(wsEngine)
		t.Cleanup(wsSrv.Close)

		d.workers = append(d.workers, &worker{
			manager: m,
			engine:  protocol.NewEngine(backend, registry, pub, docs, nil),
			wsURL:   "ws" + strings.TrimPrefix(wsSrv.URL, "http") + "/ws",
		})
	}

	deadline := time.Now().Add(5 * time.Second)
	for fwd.SubscriberCount() < workerCount {
		if time.Now().After(deadline) {
			t.Fatal("bus subscribers never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return d
}

// client is one connected browser: a WebSocket subscribed to a document
// topic, identified by the server-assigned connection id.
type client struct {
	conn   *websocket.Conn
	connID string
}

func connect(t *testing.T, w *worker, topic string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(w.wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", w.wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]string{"msgtype": "subscribe", "topic": topic}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack struct {
		Status []any `json:"status"`
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if len(ack.Status) != 3 || ack.Status[0] != "subscribesuccess" {
		t.Fatalf("ack = %v", ack.Status)
	}
	return &client{conn: conn, connID: ack.Status[2].(string)}
}

func (c *client) recv(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func (c *client) expectNone(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %q", data)
	}
}

func TestChangeReachesEveryProcessExceptOrigin(t *testing.T) {
	d := startDeployment(t, 2)

	origin := connect(t, d.workers[0], "document:d1")
	local := connect(t, d.workers[0], "document:d1")
	remote := connect(t, d.workers[1], "document:d1")

	// The originating client's change arrives on worker 0.
	ack, err := d.workers[0].engine.ApplyChange(context.Background(), protocol.Change{
		DocID:      "d1",
		TypeName:   "Plot",
		ID:         "root",
		Attributes: map[string]any{"title": "hello"},
		Mode:       protocol.ModeCreate,
		Credential: "writer-key",
		ConnID:     origin.connID,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var acked store.Record
	if err := json.Unmarshal(ack, &acked); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if acked.Version != 1 {
		t.Errorf("ack Version = %d, want 1", acked.Version)
	}

	// Both non-originating clients see the broadcast, whichever process
	// holds their socket.
	for name, c := range map[string]*client{"local": local, "remote": remote} {
		frame := c.recv(t)
		topic, payload, ok := strings.Cut(frame, ":"+`{`)
		if !ok || topic != "document:d1" {
			t.Fatalf("%s frame = %q", name, frame)
		}
		var ev protocol.Event
		if err := json.Unmarshal([]byte("{"+payload), &ev); err != nil {
			t.Fatalf("%s event decode: %v", name, err)
		}
		if ev.Event != "create" {
			t.Errorf("%s Event = %q, want create", name, ev.Event)
		}
	}

	// The originator got its acknowledgment through the request path;
	// an echoed broadcast would apply the change twice client-side.
	origin.expectNone(t)
}

func TestUnsubscribedTopicReceivesNothing(t *testing.T) {
	d := startDeployment(t, 1)

	other := connect(t, d.workers[0], "document:other")

	_, err := d.workers[0].engine.ApplyChange(context.Background(), protocol.Change{
		DocID:      "d1",
		TypeName:   "Plot",
		ID:         "root",
		Mode:       protocol.ModeCreate,
		Credential: "writer-key",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	other.expectNone(t)
}
