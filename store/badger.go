package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/jacentio/docsync/internal/keys"
)

// BadgerConfig configures the embedded BadgerDB backend.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory
	// is set.
	Path string

	// InMemory disables disk persistence. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync on every commit. Default true for
	// durability; disable for tests.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// BadgerBackend stores records in an embedded BadgerDB. Writes survive
// process restart but the database admits a single writer process; use
// DynamoBackend when multiple processes write concurrently.
type BadgerBackend struct {
	db *badger.DB
}

// NewBadgerBackend opens (or creates) the database.
func NewBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("docsync: badger path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrUnavailable, err)
	}
	return &BadgerBackend{db: db}, nil
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, typeName, docID, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keys.Record(typeName, docID, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(Record)
			return json.Unmarshal(val, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, nil
}

// List implements Backend.
func (b *BadgerBackend) List(ctx context.Context, docID, typeName string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prefix := keys.DocPrefix(docID)
	if typeName != "" {
		prefix = keys.DocTypePrefix(docID, typeName)
	}

	var out []*Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec := new(Record)
				if err := json.Unmarshal(val, rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Create implements Backend. The existence check and the write share one
// transaction, so a concurrent equally-keyed create commits exactly once;
// the loser surfaces ErrConflict.
func (b *BadgerBackend) Create(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	stored := rec.Clone()
	stored.Version = 1

	err := b.write(ctx, func(txn *badger.Txn) error {
		key := keys.Record(stored.TypeName, stored.DocID, stored.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return b.set(txn, stored)
	})
	if err != nil {
		return err
	}
	rec.Version = stored.Version
	return nil
}

// Update implements Backend.
func (b *BadgerBackend) Update(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	stored := rec.Clone()

	err := b.write(ctx, func(txn *badger.Txn) error {
		cur, err := b.get(txn, stored.TypeName, stored.DocID, stored.ID)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			stored.Version = 1
		case err != nil:
			return err
		default:
			stored.Version = cur.Version + 1
		}
		return b.set(txn, stored)
	})
	if err != nil {
		return err
	}
	rec.Version = stored.Version
	return nil
}

// CompareAndSet implements Backend.
func (b *BadgerBackend) CompareAndSet(ctx context.Context, rec *Record, expectedVersion int64) error {
	if err := rec.validate(); err != nil {
		return err
	}
	stored := rec.Clone()

	err := b.write(ctx, func(txn *badger.Txn) error {
		cur, err := b.get(txn, stored.TypeName, stored.DocID, stored.ID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return ErrConflict
		}
		stored.Version = cur.Version + 1
		return b.set(txn, stored)
	})
	if err != nil {
		return err
	}
	rec.Version = stored.Version
	return nil
}

// Delete implements Backend. Absent records are a no-op.
func (b *BadgerBackend) Delete(ctx context.Context, typeName, docID, id string) error {
	return b.write(ctx, func(txn *badger.Txn) error {
		return txn.Delete(keys.Record(typeName, docID, id))
	})
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// write runs fn in a read-write transaction, mapping badger's optimistic
// transaction conflict to ErrConflict and transport-level failures to
// ErrUnavailable.
func (b *BadgerBackend) write(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err := b.db.Update(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNoDocument), errors.Is(err, ErrUnknownType):
		return err
	case errors.Is(err, badger.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (b *BadgerBackend) get(txn *badger.Txn, typeName, docID, id string) (*Record, error) {
	item, err := txn.Get(keys.Record(typeName, docID, id))
	if err != nil {
		return nil, err
	}
	rec := new(Record)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerBackend) set(txn *badger.Txn, rec *Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(keys.Record(rec.TypeName, rec.DocID, rec.ID), val)
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.logger.Debug(fmt.Sprintf(format, args...)) }
