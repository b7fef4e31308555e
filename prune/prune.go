// Package prune reclaims records no longer reachable from a document's
// root reference, bounding storage growth from ephemeral or superseded
// UI state.
package prune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jacentio/docsync/store"
)

// Pruner walks a document's reference graph and removes orphans.
type Pruner struct {
	backend store.Backend
	logger  *slog.Logger
}

// New creates a Pruner over a backend.
func New(backend store.Backend, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{backend: backend, logger: logger}
}

// Reachable returns the set of records reachable from root, keyed by
// (type, id). The traversal follows every attribute value matching the
// reference shape; a visited set is the only cycle guard needed, since
// references carry no ownership semantics and cyclic graphs are legal
// data. A root pointing at a missing record yields an empty set.
func (p *Pruner) Reachable(ctx context.Context, docID string, root store.Ref) (map[store.Key]*store.Record, error) {
	visited := make(map[store.Key]*store.Record)
	queue := []store.Ref{root}

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]

		key := store.Key{Type: ref.Type, ID: ref.ID}
		if _, seen := visited[key]; seen {
			continue
		}

		rec, err := p.backend.Get(ctx, ref.Type, docID, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Dangling references are data, not errors.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s/%s: %w", ref.Type, ref.ID, err)
		}

		visited[key] = rec
		queue = appendRefs(queue, rec.Attributes)
	}
	return visited, nil
}

// Prune deletes every record of the document that is not reachable from
// root and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context, docID string, root store.Ref) (int, error) {
	reachable, err := p.Reachable(ctx, docID, root)
	if err != nil {
		return 0, err
	}

	all, err := p.backend.List(ctx, docID, "")
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range all {
		if _, ok := reachable[rec.Key()]; ok {
			continue
		}
		if err := p.backend.Delete(ctx, rec.TypeName, docID, rec.ID); err != nil {
			return deleted, fmt.Errorf("delete orphan %s/%s: %w", rec.TypeName, rec.ID, err)
		}
		deleted++
	}

	if deleted > 0 {
		p.logger.Info("pruned unreachable records",
			"docID", docID,
			"deleted", deleted,
			"reachable", len(reachable),
		)
	}
	return deleted, nil
}

// appendRefs scans a value tree and appends every reference found.
func appendRefs(queue []store.Ref, v any) []store.Ref {
	if ref, ok := store.AsRef(v); ok {
		return append(queue, ref)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, e := range t {
			queue = appendRefs(queue, e)
		}
	case []any:
		for _, e := range t {
			queue = appendRefs(queue, e)
		}
	}
	return queue
}
