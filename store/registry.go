package store

import (
	"fmt"
	"sync"
)

// KindSpec describes a registered record type.
type KindSpec struct {
	// HiddenFields lists attribute names excluded from default-visibility
	// serialization. Callers may still request them explicitly.
	HiddenFields []string

	// Defaults provides initial attribute values applied by the kind's
	// constructor when the caller omits them.
	Defaults map[string]any
}

// Constructor builds a new record of a fixed kind within a document.
type Constructor func(docID string, attrs map[string]any) *Record

// Registry holds the closed set of known record kinds. Creating or
// decoding a record of an unregistered kind fails with ErrUnknownType
// instead of silently falling back to a generic bag.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]KindSpec)}
}

// Register adds a kind and returns its typed constructor. Registering the
// same name twice replaces the spec; this should be called during setup,
// before any store traffic.
func (r *Registry) Register(name string, spec KindSpec) Constructor {
	r.mu.Lock()
	r.kinds[name] = spec
	r.mu.Unlock()

	return func(docID string, attrs map[string]any) *Record {
		merged := make(map[string]any, len(spec.Defaults)+len(attrs))
		for k, v := range spec.Defaults {
			merged[k] = cloneValue(v)
		}
		for k, v := range attrs {
			merged[k] = v
		}
		return &Record{
			TypeName:   name,
			ID:         NewID(),
			DocID:      docID,
			Attributes: merged,
		}
	}
}

// Known reports whether a kind is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[name]
	return ok
}

// Hidden returns the hidden attribute names for a kind. Unregistered
// kinds have no hidden fields.
func (r *Registry) Hidden(name string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[name]
	if !ok || len(spec.HiddenFields) == 0 {
		return nil
	}
	hidden := make(map[string]struct{}, len(spec.HiddenFields))
	for _, f := range spec.HiddenFields {
		hidden[f] = struct{}{}
	}
	return hidden
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// Check returns ErrUnknownType if the record's kind is unregistered.
func (r *Registry) Check(rec *Record) error {
	if !r.Known(rec.TypeName) {
		return fmt.Errorf("%w: %q", ErrUnknownType, rec.TypeName)
	}
	return nil
}
