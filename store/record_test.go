package store_test

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/jacentio/docsync/store"
)

func TestAsRef_RefShape(t *testing.T) {
	ref, ok := store.AsRef(map[string]any{"type": "Plot", "id": "p1"})
	if !ok {
		t.Fatal("expected reference shape to be detected")
	}
	if ref.Type != "Plot" || ref.ID != "p1" {
		t.Errorf("got %+v, want {Plot p1}", ref)
	}
}

func TestAsRef_RefValue(t *testing.T) {
	ref, ok := store.AsRef(store.Ref{Type: "Plot", ID: "p1"})
	if !ok || ref.ID != "p1" {
		t.Errorf("got (%+v, %v), want ({Plot p1}, true)", ref, ok)
	}
}

func TestAsRef_NotARef(t *testing.T) {
	cases := []any{
		"plain string",
		42,
		map[string]any{"type": "Plot"},
		map[string]any{"type": "Plot", "id": "p1", "extra": true},
		map[string]any{"type": 1, "id": "p1"},
		[]any{"type", "id"},
		nil,
	}
	for _, v := range cases {
		if _, ok := store.AsRef(v); ok {
			t.Errorf("value %#v wrongly detected as reference", v)
		}
	}
}

func TestRecord_CloneDoesNotAlias(t *testing.T) {
	rec := &store.Record{
		TypeName: "Plot",
		ID:       "p1",
		DocID:    "d1",
		Attributes: map[string]any{
			"nested": map[string]any{"k": "v"},
			"list":   []any{"a", "b"},
		},
	}

	clone := rec.Clone()
	clone.Attributes["nested"].(map[string]any)["k"] = "changed"
	clone.Attributes["list"].([]any)[0] = "changed"

	if rec.Attributes["nested"].(map[string]any)["k"] != "v" {
		t.Error("clone aliases nested map")
	}
	if rec.Attributes["list"].([]any)[0] != "a" {
		t.Error("clone aliases nested slice")
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	reg := store.NewRegistry()
	reg.Register("Plot", store.KindSpec{})

	rec := &store.Record{
		TypeName: "Plot",
		ID:       "p1",
		DocID:    "d1",
		Attributes: map[string]any{
			"title":  "x",
			"width":  float64(640),
			"parent": map[string]any{"type": "PlotContext", "id": "root"},
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"deep": []any{map[string]any{"type": "Glyph", "id": "g1"}}},
		},
		Version: 3,
	}

	data, err := store.Serialize(reg, rec, false)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	back, err := store.Deserialize(reg, data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !reflect.DeepEqual(rec, back) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, rec)
	}
}

func TestSerialize_HiddenFieldsExcluded(t *testing.T) {
	reg := store.NewRegistry()
	reg.Register("Session", store.KindSpec{HiddenFields: []string{"token"}})

	rec := &store.Record{
		TypeName:   "Session",
		ID:         "s1",
		DocID:      "d1",
		Attributes: map[string]any{"user": "alice", "token": "secret"},
	}

	data, err := store.Serialize(reg, rec, false)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if bytes.Contains(data, []byte("secret")) {
		t.Error("hidden field leaked into default serialization")
	}
	if rec.Attributes["token"] != "secret" {
		t.Error("serialization mutated the source record")
	}
}

func TestSerialize_HiddenFieldsOnRequest(t *testing.T) {
	reg := store.NewRegistry()
	reg.Register("Session", store.KindSpec{HiddenFields: []string{"token"}})

	rec := &store.Record{
		TypeName:   "Session",
		ID:         "s1",
		DocID:      "d1",
		Attributes: map[string]any{"token": "secret"},
	}

	data, err := store.Serialize(reg, rec, true)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var decoded store.Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Attributes["token"] != "secret" {
		t.Error("explicitly requested hidden field missing")
	}
}

func TestDeserialize_UnknownType(t *testing.T) {
	reg := store.NewRegistry()

	_, err := store.Deserialize(reg, []byte(`{"type":"Mystery","id":"m1","doc":"d1","attributes":{}}`))
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
}
