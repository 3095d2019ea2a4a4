// Package store is the durable key/record layer under the history engine,
// the snippet store and the settings manager.
//
// Records are opaque JSON blobs addressed by (kind, id). Two backends
// satisfy Store:
//
//	sqlite.go — modernc.org/sqlite, one "records" table (default)
//	bolt.go   — go.etcd.io/bbolt, one bucket per kind
//
// Identity is owned here: Put assigns an id from the configured generator
// when the record has none, before the write is attempted, so a caller that
// keeps the record in memory after a failed write still holds a stable id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind partitions records by entity type.
type Kind string

const (
	KindHistory  Kind = "history"
	KindFolder   Kind = "folder"
	KindSnippet  Kind = "snippet"
	KindSettings Kind = "settings"
)

// Kinds lists every kind the backends provision up front.
var Kinds = []Kind{KindHistory, KindFolder, KindSnippet, KindSettings}

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("store: record not found")

// Key addresses a single record.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.ID }

// Record is a stored value. Data is the JSON encoding of the entity.
type Record struct {
	Key
	Data []byte
}

// Tx is the view of the store inside an Update transaction.
type Tx interface {
	Get(key Key) (Record, error)
	ListByKind(kind Kind) ([]Record, error)
	Put(rec *Record) error
	Delete(key Key) error
}

// Store is the storage backend contract consumed by the engines.
type Store interface {
	// Name returns a human-readable backend name.
	Name() string

	Get(ctx context.Context, key Key) (Record, error)

	// Put inserts or replaces rec. An empty rec.ID is filled in first.
	Put(ctx context.Context, rec *Record) error

	// Delete removes the record; deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// ListByKind returns every record of kind in insertion order.
	ListByKind(ctx context.Context, kind Kind) ([]Record, error)

	// Update runs fn in a single atomic transaction. If fn returns an error
	// nothing it wrote is committed.
	Update(ctx context.Context, fn func(Tx) error) error

	// NewID returns a fresh record id.
	NewID() string

	Close() error
}

// IDGenerator produces unique record ids.
type IDGenerator func() string

// UUIDv7 returns a generator of RFC 9562 UUIDv7 strings (time-sortable).
func UUIDv7() IDGenerator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

type options struct {
	newID       IDGenerator
	busyTimeout int
	lockTimeout time.Duration
	mkdirAll    bool
}

func defaults() options {
	return options{
		newID:       UUIDv7(),
		busyTimeout: 10_000,
		lockTimeout: time.Second,
		mkdirAll:    true,
	}
}

// Option customises Open.
type Option func(*options)

// WithIDGenerator replaces the default UUIDv7 generator.
func WithIDGenerator(gen IDGenerator) Option { return func(o *options) { o.newID = gen } }

// WithBusyTimeout sets SQLite's PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// WithLockTimeout bounds how long bbolt waits for the file lock. Default: 1s.
func WithLockTimeout(d time.Duration) Option { return func(o *options) { o.lockTimeout = d } }

// WithoutMkdirAll skips creating the parent directory of the database path.
func WithoutMkdirAll() Option { return func(o *options) { o.mkdirAll = false } }

// Open opens the named backend ("sqlite" or "bolt") at path.
func Open(backend, path string, opts ...Option) (Store, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(path, opts...)
	case "bolt", "bbolt":
		return OpenBolt(path, opts...)
	default:
		return nil, fmt.Errorf("store: unknown backend %q (want sqlite or bolt)", backend)
	}
}

func assignID(rec *Record, gen IDGenerator) error {
	if rec.Kind == "" {
		return fmt.Errorf("store: record without kind")
	}
	if rec.ID == "" {
		rec.ID = gen()
	}
	return nil
}
