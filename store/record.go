package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Ref is an embedded link to another record. It denotes a lookup
// relationship, never ownership: the referenced record is independently
// owned by the store, and deleting the referrer does not delete the target.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key identifies a record within a document.
type Key struct {
	Type string
	ID   string
}

// Record is the atomic unit of stored state: a typed bag of named
// attributes scoped to one document. Attribute values are scalars,
// sequences, nested mappings, or references (see AsRef).
type Record struct {
	TypeName   string         `json:"type"`
	ID         string         `json:"id"`
	DocID      string         `json:"doc"`
	Attributes map[string]any `json:"attributes"`
	Version    int64          `json:"version"`
}

// Key returns the record's (type, id) key within its document.
func (r *Record) Key() Key {
	return Key{Type: r.TypeName, ID: r.ID}
}

// Ref returns a reference pointing at this record.
func (r *Record) Ref() Ref {
	return Ref{Type: r.TypeName, ID: r.ID}
}

// Clone returns a deep copy of the record. Backends hand out and accept
// clones so callers can never alias persisted state.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = cloneValue(r.Attributes).(map[string]any)
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// AsRef reports whether an attribute value has the reference shape: a
// mapping with exactly the keys "type" and "id", both strings.
func AsRef(v any) (Ref, bool) {
	switch t := v.(type) {
	case Ref:
		return t, true
	case map[string]any:
		if len(t) != 2 {
			return Ref{}, false
		}
		typ, ok1 := t["type"].(string)
		id, ok2 := t["id"].(string)
		if !ok1 || !ok2 {
			return Ref{}, false
		}
		return Ref{Type: typ, ID: id}, true
	default:
		return Ref{}, false
	}
}

// validate checks the invariants every write must satisfy.
func (r *Record) validate() error {
	if r.DocID == "" {
		return ErrNoDocument
	}
	if r.TypeName == "" {
		return fmt.Errorf("%w: empty type name", ErrUnknownType)
	}
	return nil
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.New().String()
}

// Serialize encodes a record for the wire, honoring the registry's
// hidden-field rules. Hidden attributes are dropped unless includeHidden
// is set.
func Serialize(reg *Registry, r *Record, includeHidden bool) ([]byte, error) {
	out := r
	if !includeHidden {
		hidden := reg.Hidden(r.TypeName)
		if len(hidden) > 0 {
			out = r.Clone()
			for name := range hidden {
				delete(out.Attributes, name)
			}
		}
	}
	return json.Marshal(out)
}

// Deserialize decodes a wire-form record and checks that its type is
// registered.
func Deserialize(reg *Registry, data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if !reg.Known(r.TypeName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, r.TypeName)
	}
	if r.Attributes == nil {
		r.Attributes = map[string]any{}
	}
	return &r, nil
}
