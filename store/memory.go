package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in nested maps guarded by a mutex. It is
// intended for single-process deployments and tests; state is lost on
// restart.
type MemoryBackend struct {
	mu sync.Mutex
	// docs[docID][typeName][id]
	docs map[string]map[string]map[string]*Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]map[string]map[string]*Record)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, typeName, docID, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookup(typeName, docID, id)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List implements Backend. Results are ordered by (type, id) so callers
// see a stable listing.
func (m *MemoryBackend) List(_ context.Context, docID, typeName string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	types := m.docs[docID]
	for tn, byID := range types {
		if typeName != "" && tn != typeName {
			continue
		}
		for _, rec := range byID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TypeName != out[j].TypeName {
			return out[i].TypeName < out[j].TypeName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Create implements Backend.
func (m *MemoryBackend) Create(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookup(rec.TypeName, rec.DocID, rec.ID) != nil {
		return ErrConflict
	}
	stored := rec.Clone()
	stored.Version = 1
	m.put(stored)
	rec.Version = stored.Version
	return nil
}

// Update implements Backend.
func (m *MemoryBackend) Update(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := rec.Clone()
	if cur := m.lookup(rec.TypeName, rec.DocID, rec.ID); cur != nil {
		stored.Version = cur.Version + 1
	} else {
		stored.Version = 1
	}
	m.put(stored)
	rec.Version = stored.Version
	return nil
}

// CompareAndSet implements Backend.
func (m *MemoryBackend) CompareAndSet(_ context.Context, rec *Record, expectedVersion int64) error {
	if err := rec.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.lookup(rec.TypeName, rec.DocID, rec.ID)
	if cur == nil || cur.Version != expectedVersion {
		return ErrConflict
	}
	stored := rec.Clone()
	stored.Version = cur.Version + 1
	m.put(stored)
	rec.Version = stored.Version
	return nil
}

// Delete implements Backend. Absent records are a no-op.
func (m *MemoryBackend) Delete(_ context.Context, typeName, docID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := m.docs[docID]
	if types == nil {
		return nil
	}
	byID := types[typeName]
	if byID == nil {
		return nil
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(types, typeName)
	}
	if len(types) == 0 {
		delete(m.docs, docID)
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// lookup and put assume the mutex is held.
func (m *MemoryBackend) lookup(typeName, docID, id string) *Record {
	if types := m.docs[docID]; types != nil {
		if byID := types[typeName]; byID != nil {
			return byID[id]
		}
	}
	return nil
}

func (m *MemoryBackend) put(rec *Record) {
	types := m.docs[rec.DocID]
	if types == nil {
		types = make(map[string]map[string]*Record)
		m.docs[rec.DocID] = types
	}
	byID := types[rec.TypeName]
	if byID == nil {
		byID = make(map[string]*Record)
		types[rec.TypeName] = byID
	}
	byID[rec.ID] = rec
}
