package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jacentio/docsync/store"
)

// runBackends runs fn against every backend implementation, so the
// behavioral contract is verified uniformly.
func runBackends(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	t.Helper()

	backends := map[string]func(t *testing.T) store.Backend{
		"memory": func(t *testing.T) store.Backend {
			return store.NewMemoryBackend()
		},
		"badger": func(t *testing.T) store.Backend {
			b, err := store.NewBadgerBackend(store.BadgerConfig{InMemory: true})
			if err != nil {
				t.Fatalf("open badger: %v", err)
			}
			return b
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			fn(t, b)
		})
	}
}

func rec(typeName, docID, id string, attrs map[string]any) *store.Record {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &store.Record{TypeName: typeName, DocID: docID, ID: id, Attributes: attrs}
}

func TestBackend_CreateThenGet(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		in := rec("Plot", "d1", "p1", map[string]any{"title": "x"})
		if err := b.Create(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
		if in.Version != 1 {
			t.Errorf("created Version = %d, want 1", in.Version)
		}

		got, err := b.Get(ctx, "Plot", "d1", "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Attributes["title"] != "x" {
			t.Errorf("Attributes[title] = %v, want x", got.Attributes["title"])
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
	})
}

func TestBackend_GetMissing(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		_, err := b.Get(context.Background(), "Plot", "d1", "nope")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestBackend_CreateDuplicate(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		if err := b.Create(ctx, rec("Plot", "d1", "p1", nil)); err != nil {
			t.Fatalf("first create: %v", err)
		}
		err := b.Create(ctx, rec("Plot", "d1", "p1", map[string]any{"other": true}))
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("got %v, want ErrConflict", err)
		}

		// The loser must not have clobbered the original.
		got, err := b.Get(ctx, "Plot", "d1", "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, ok := got.Attributes["other"]; ok {
			t.Error("failed create overwrote the existing record")
		}
	})
}

func TestBackend_CreateMissingDoc(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		err := b.Create(context.Background(), rec("Plot", "", "p1", nil))
		if !errors.Is(err, store.ErrNoDocument) {
			t.Errorf("got %v, want ErrNoDocument", err)
		}
	})
}

func TestBackend_UpdateBumpsVersion(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		r := rec("Plot", "d1", "p1", map[string]any{"title": "a"})
		if err := b.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}

		r.Attributes["title"] = "b"
		if err := b.Update(ctx, r); err != nil {
			t.Fatalf("update: %v", err)
		}
		if r.Version != 2 {
			t.Errorf("Version = %d, want 2", r.Version)
		}

		got, err := b.Get(ctx, "Plot", "d1", "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Attributes["title"] != "b" || got.Version != 2 {
			t.Errorf("got (title=%v, version=%d), want (b, 2)", got.Attributes["title"], got.Version)
		}
	})
}

func TestBackend_UpdateUpserts(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		r := rec("Plot", "d1", "fresh", nil)
		if err := b.Update(ctx, r); err != nil {
			t.Fatalf("update of absent record: %v", err)
		}
		if r.Version != 1 {
			t.Errorf("Version = %d, want 1", r.Version)
		}
	})
}

func TestBackend_CompareAndSet(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		r := rec("Plot", "d1", "p1", map[string]any{"title": "a"})
		if err := b.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}

		r.Attributes["title"] = "b"
		if err := b.CompareAndSet(ctx, r, 1); err != nil {
			t.Fatalf("cas at matching version: %v", err)
		}
		if r.Version != 2 {
			t.Errorf("Version after cas = %d, want 2", r.Version)
		}

		// Stale expected version loses.
		stale := rec("Plot", "d1", "p1", map[string]any{"title": "stale"})
		if err := b.CompareAndSet(ctx, stale, 1); !errors.Is(err, store.ErrConflict) {
			t.Errorf("stale cas got %v, want ErrConflict", err)
		}

		got, err := b.Get(ctx, "Plot", "d1", "p1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Attributes["title"] != "b" {
			t.Errorf("stale cas overwrote record: title = %v", got.Attributes["title"])
		}
	})
}

func TestBackend_CompareAndSetMissing(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		err := b.CompareAndSet(context.Background(), rec("Plot", "d1", "ghost", nil), 1)
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("got %v, want ErrConflict", err)
		}
	})
}

func TestBackend_DeleteIdempotent(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		if err := b.Create(ctx, rec("Plot", "d1", "p1", nil)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := b.Delete(ctx, "Plot", "d1", "p1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := b.Get(ctx, "Plot", "d1", "p1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("record survived delete: %v", err)
		}
		// Second delete of the same key is a no-op.
		if err := b.Delete(ctx, "Plot", "d1", "p1"); err != nil {
			t.Errorf("repeat delete: %v", err)
		}
	})
}

func TestBackend_ListFilters(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		seed := []*store.Record{
			rec("Plot", "d1", "p1", nil),
			rec("Plot", "d1", "p2", nil),
			rec("Glyph", "d1", "g1", nil),
			rec("Plot", "d2", "other", nil),
		}
		for _, r := range seed {
			if err := b.Create(ctx, r); err != nil {
				t.Fatalf("create %s/%s: %v", r.TypeName, r.ID, err)
			}
		}

		all, err := b.List(ctx, "d1", "")
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len(all) = %d, want 3", len(all))
		}
		for _, r := range all {
			if r.DocID != "d1" {
				t.Errorf("listing leaked record from document %q", r.DocID)
			}
		}

		plots, err := b.List(ctx, "d1", "Plot")
		if err != nil {
			t.Fatalf("list plots: %v", err)
		}
		if len(plots) != 2 {
			t.Fatalf("len(plots) = %d, want 2", len(plots))
		}
		for _, r := range plots {
			if r.TypeName != "Plot" {
				t.Errorf("type filter leaked %q", r.TypeName)
			}
		}

		empty, err := b.List(ctx, "no-such-doc", "")
		if err != nil {
			t.Fatalf("list empty doc: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("len(empty) = %d, want 0", len(empty))
		}
	})
}

func TestBackend_ConcurrentCreateOneWinner(t *testing.T) {
	runBackends(t, func(t *testing.T, b store.Backend) {
		ctx := context.Background()

		const writers = 16
		var wg sync.WaitGroup
		results := make([]error, writers)
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = b.Create(ctx, rec("Plot", "d1", "contested", map[string]any{"writer": i}))
			}()
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("wins = %d, want exactly 1", wins)
		}
		if conflicts != writers-1 {
			t.Errorf("conflicts = %d, want %d", conflicts, writers-1)
		}
	})
}

func TestBadgerBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := store.NewBadgerBackend(store.BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Create(ctx, rec("Plot", "d1", "p1", map[string]any{"title": "persisted"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = store.NewBadgerBackend(store.BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	got, err := b.Get(ctx, "Plot", "d1", "p1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Attributes["title"] != "persisted" || got.Version != 1 {
		t.Errorf("got (title=%v, version=%d), want (persisted, 1)", got.Attributes["title"], got.Version)
	}
}

func TestBadgerBackend_RequiresPath(t *testing.T) {
	if _, err := store.NewBadgerBackend(store.BadgerConfig{}); err == nil {
		t.Fatal("expected error for persistent database without a path")
	}
}
