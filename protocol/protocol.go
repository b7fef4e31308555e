// Package protocol sequences a write request through the change
// pipeline: authenticate, store, publish, acknowledge.
//
// Errors in the authenticate or store steps stop the pipeline before
// anything is published: an aborted write is never broadcast. Errors
// during publish never roll the store back: the write is already
// durable, and a lost notification is a cache-coherency delay, not data
// loss. The REST collaborator maps the taxonomy onto status codes
// (store.ErrConflict → 409, ErrUnauthorized → 401/403, store.ErrNotFound
// → 404, store.ErrUnavailable → 503).
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jacentio/docsync/bus"
	"github.com/jacentio/docsync/prune"
	"github.com/jacentio/docsync/store"
)

// ErrUnauthorized is returned when a credential fails the document's
// access check. Nothing is stored and nothing is published.
var ErrUnauthorized = errors.New("docsync: credential not authorized for document")

// ErrUnknownDocument is returned when a change targets a document the
// provider does not know.
var ErrUnknownDocument = errors.New("docsync: unknown document")

// TopicNamespace prefixes every document broadcast topic.
const TopicNamespace = "document"

// Topic returns the broadcast topic for a document.
func Topic(docID string) string {
	return TopicNamespace + ":" + docID
}

// Mode selects the store mutation a change performs.
type Mode string

const (
	ModeCreate Mode = "create"
	ModePatch  Mode = "patch"
	ModePut    Mode = "put"
	ModeDelete Mode = "delete"
)

// Access is a document's access-control descriptor. Key management is an
// external concern; this core only consults the descriptor.
type Access struct {
	ReadKeys  []string
	WriteKeys []string
}

// CanWrite reports whether the credential carries write scope.
func (a Access) CanWrite(credential string) bool {
	for _, k := range a.WriteKeys {
		if k != "" && k == credential {
			return true
		}
	}
	return false
}

// CanRead reports whether the credential carries read scope. Write keys
// imply read.
func (a Access) CanRead(credential string) bool {
	for _, k := range a.ReadKeys {
		if k != "" && k == credential {
			return true
		}
	}
	return a.CanWrite(credential)
}

// Document is a named scope of records: a root reference plus an access
// descriptor. A document's live record set is exactly the set reachable
// from Root.
type Document struct {
	ID     string
	Root   store.Ref
	Access Access
}

// Documents resolves document descriptors. Document and user management
// live outside this core; implementations typically wrap the auth store.
type Documents interface {
	Lookup(ctx context.Context, docID string) (Document, error)
}

// StaticDocuments is a fixed in-memory Documents provider.
type StaticDocuments map[string]Document

// Lookup implements Documents.
func (s StaticDocuments) Lookup(_ context.Context, docID string) (Document, error) {
	doc, ok := s[docID]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrUnknownDocument, docID)
	}
	return doc, nil
}

// EventPublisher is the outbound side of the fanout bus. *bus.Publisher
// satisfies it; tests substitute an in-process recorder.
type EventPublisher interface {
	Publish(env bus.Envelope) error
}

// Change is one requested mutation. ConnID identifies the WebSocket
// connection (if any) that originated the change and must not receive
// an echo of it; it travels out-of-band with the request.
type Change struct {
	DocID      string
	TypeName   string
	ID         string
	Attributes map[string]any
	Mode       Mode
	Credential string
	ConnID     string

	// IncludeHidden requests hidden fields in the acknowledged and
	// broadcast serializations.
	IncludeHidden bool
}

// Event is the broadcast payload describing one applied change.
type Event struct {
	Event  string          `json:"event"`
	Record json.RawMessage `json:"record"`
}

// patchRetries bounds the read-modify-CAS loop before the conflict is
// surfaced to the caller.
const patchRetries = 3

// Engine applies changes against the store and fans the results out.
type Engine struct {
	backend   store.Backend
	registry  *store.Registry
	publisher EventPublisher
	docs      Documents
	pruner    *prune.Pruner
	logger    *slog.Logger
}

// NewEngine creates an Engine. publisher may be nil for deployments that
// run without a bus (single process, no notifications).
func NewEngine(backend store.Backend, registry *store.Registry, publisher EventPublisher, docs Documents, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:   backend,
		registry:  registry,
		publisher: publisher,
		docs:      docs,
		pruner:    prune.New(backend, logger),
		logger:    logger,
	}
}

// ApplyChange runs one change through authenticate → store → publish →
// acknowledge and returns the stored record's canonical serialized form.
// The acknowledgment does not wait on the publish step; publishing is
// fire-and-forget.
func (e *Engine) ApplyChange(ctx context.Context, ch Change) ([]byte, error) {
	if _, err := e.authenticate(ctx, ch); err != nil {
		return nil, err
	}

	ev, err := e.applyStore(ctx, ch)
	if err != nil {
		return nil, err
	}

	e.publish(Topic(ch.DocID), []Event{ev}, []string{ch.ConnID})
	return ev.Record, nil
}

// ApplyBatch runs several changes through the same sequence, publishing
// one event per affected document rather than one per record. A failed
// change aborts the batch before anything is published; mutations
// already applied remain, per the last-writer-wins consistency story.
func (e *Engine) ApplyBatch(ctx context.Context, changes []Change) ([][]byte, error) {
	byDoc := make(map[string][]Event)
	var docOrder []string
	excludes := make(map[string]map[string]struct{})
	acks := make([][]byte, 0, len(changes))

	for _, ch := range changes {
		if _, err := e.authenticate(ctx, ch); err != nil {
			return nil, err
		}
		ev, err := e.applyStore(ctx, ch)
		if err != nil {
			return nil, err
		}
		if _, seen := byDoc[ch.DocID]; !seen {
			docOrder = append(docOrder, ch.DocID)
			excludes[ch.DocID] = make(map[string]struct{})
		}
		byDoc[ch.DocID] = append(byDoc[ch.DocID], ev)
		if ch.ConnID != "" {
			excludes[ch.DocID][ch.ConnID] = struct{}{}
		}
		acks = append(acks, ev.Record)
	}

	for _, docID := range docOrder {
		var exclude []string
		for connID := range excludes[docID] {
			exclude = append(exclude, connID)
		}
		e.publish(Topic(docID), byDoc[docID], exclude)
	}
	return acks, nil
}

// Prune exposes the reachability collector at the protocol boundary. In
// delete mode, unreachable records are removed and the count returned;
// otherwise the reachable set is returned without mutating storage.
func (e *Engine) Prune(ctx context.Context, docID string, del bool) ([]*store.Record, int, error) {
	doc, err := e.docs.Lookup(ctx, docID)
	if err != nil {
		return nil, 0, err
	}

	if del {
		n, err := e.pruner.Prune(ctx, docID, doc.Root)
		return nil, n, err
	}

	reachable, err := e.pruner.Reachable(ctx, docID, doc.Root)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*store.Record, 0, len(reachable))
	for _, rec := range reachable {
		out = append(out, rec)
	}
	return out, 0, nil
}

// authenticate verifies write scope against the document's descriptor.
// Patch and delete require the same scope as create and put.
func (e *Engine) authenticate(ctx context.Context, ch Change) (Document, error) {
	doc, err := e.docs.Lookup(ctx, ch.DocID)
	if err != nil {
		return Document{}, err
	}
	if !doc.Access.CanWrite(ch.Credential) {
		return Document{}, fmt.Errorf("%w: %s", ErrUnauthorized, ch.DocID)
	}
	return doc, nil
}

// applyStore performs the mutation and returns the resulting event. On
// any store error the change produces nothing to publish.
func (e *Engine) applyStore(ctx context.Context, ch Change) (Event, error) {
	switch ch.Mode {
	case ModeCreate:
		rec := &store.Record{
			TypeName:   ch.TypeName,
			ID:         ch.ID,
			DocID:      ch.DocID,
			Attributes: ch.Attributes,
		}
		if rec.ID == "" {
			rec.ID = store.NewID()
		}
		if rec.Attributes == nil {
			rec.Attributes = map[string]any{}
		}
		if err := e.registry.Check(rec); err != nil {
			return Event{}, err
		}
		if err := e.backend.Create(ctx, rec); err != nil {
			return Event{}, err
		}
		return e.event("create", rec, ch.IncludeHidden)

	case ModePut:
		rec := &store.Record{
			TypeName:   ch.TypeName,
			ID:         ch.ID,
			DocID:      ch.DocID,
			Attributes: ch.Attributes,
		}
		if rec.Attributes == nil {
			rec.Attributes = map[string]any{}
		}
		if err := e.registry.Check(rec); err != nil {
			return Event{}, err
		}
		if err := e.backend.Update(ctx, rec); err != nil {
			return Event{}, err
		}
		return e.event("update", rec, ch.IncludeHidden)

	case ModePatch:
		rec, err := e.patch(ctx, ch)
		if err != nil {
			return Event{}, err
		}
		return e.event("update", rec, ch.IncludeHidden)

	case ModeDelete:
		if err := e.backend.Delete(ctx, ch.TypeName, ch.DocID, ch.ID); err != nil {
			return Event{}, err
		}
		stub := &store.Record{
			TypeName:   ch.TypeName,
			ID:         ch.ID,
			DocID:      ch.DocID,
			Attributes: map[string]any{},
		}
		return e.event("delete", stub, false)

	default:
		return Event{}, fmt.Errorf("docsync: unknown change mode %q", ch.Mode)
	}
}

// patch merges the requested attributes into the current record under a
// compare-and-set, retrying a bounded number of times before surfacing
// the conflict.
func (e *Engine) patch(ctx context.Context, ch Change) (*store.Record, error) {
	var lastErr error
	for attempt := 0; attempt < patchRetries; attempt++ {
		cur, err := e.backend.Get(ctx, ch.TypeName, ch.DocID, ch.ID)
		if err != nil {
			return nil, err
		}
		merged := cur.Clone()
		for k, v := range ch.Attributes {
			merged.Attributes[k] = v
		}
		err = e.backend.CompareAndSet(ctx, merged, cur.Version)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) event(kind string, rec *store.Record, includeHidden bool) (Event, error) {
	data, err := store.Serialize(e.registry, rec, includeHidden)
	if err != nil {
		return Event{}, fmt.Errorf("serialize record: %w", err)
	}
	return Event{Event: kind, Record: data}, nil
}

// publish hands events to the bus. Failures here never propagate: the
// store step already succeeded and clients can re-fetch.
func (e *Engine) publish(topic string, events []Event, exclude []string) {
	if e.publisher == nil {
		return
	}
	var payload []byte
	var err error
	if len(events) == 1 {
		payload, err = json.Marshal(events[0])
	} else {
		payload, err = json.Marshal(events)
	}
	if err != nil {
		e.logger.Error("marshal broadcast payload", "topic", topic, "error", err)
		return
	}
	var cleaned []string
	for _, id := range exclude {
		if id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if err := e.publisher.Publish(bus.Envelope{Topic: topic, Payload: payload, Exclude: cleaned}); err != nil {
		e.logger.Warn("publish failed, clients will catch up on next fetch", "topic", topic, "error", err)
	}
}
