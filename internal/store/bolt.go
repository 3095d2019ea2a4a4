package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// Bolt is a Store backed by a single bbolt file, one bucket per Kind.
type Bolt struct {
	db    *bbolt.DB
	newID IDGenerator
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: o.lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, k := range Kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &Bolt{db: db, newID: o.newID}, nil
}

func (b *Bolt) Name() string  { return "bbolt (" + b.db.Path() + ")" }
func (b *Bolt) NewID() string { return b.newID() }
func (b *Bolt) Close() error  { return b.db.Close() }

func (b *Bolt) Get(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = boltGet(tx, key)
		return err
	})
	return rec, err
}

func (b *Bolt) Put(ctx context.Context, rec *Record) error {
	return b.Update(ctx, func(tx Tx) error { return tx.Put(rec) })
}

func (b *Bolt) Delete(ctx context.Context, key Key) error {
	return b.Update(ctx, func(tx Tx) error { return tx.Delete(key) })
}

func (b *Bolt) ListByKind(ctx context.Context, kind Kind) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = boltList(tx, kind)
		return err
	})
	return out, err
}

// Update runs fn inside a bbolt read-write transaction. bbolt has no context
// support, so ctx is only checked before the transaction starts.
func (b *Bolt) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx, newID: b.newID})
	})
}

type boltTx struct {
	tx    *bbolt.Tx
	newID IDGenerator
}

func (t *boltTx) Get(key Key) (Record, error)            { return boltGet(t.tx, key) }
func (t *boltTx) ListByKind(kind Kind) ([]Record, error) { return boltList(t.tx, kind) }

func (t *boltTx) Put(rec *Record) error {
	if err := assignID(rec, t.newID); err != nil {
		return err
	}
	bkt, err := t.tx.CreateBucketIfNotExists([]byte(rec.Kind))
	if err != nil {
		return fmt.Errorf("store: bucket %s: %w", rec.Kind, err)
	}
	if err := bkt.Put([]byte(rec.ID), rec.Data); err != nil {
		return fmt.Errorf("store: put %s: %w", rec.Key, err)
	}
	return nil
}

func (t *boltTx) Delete(key Key) error {
	bkt := t.tx.Bucket([]byte(key.Kind))
	if bkt == nil {
		return nil
	}
	if err := bkt.Delete([]byte(key.ID)); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func boltGet(tx *bbolt.Tx, key Key) (Record, error) {
	bkt := tx.Bucket([]byte(key.Kind))
	if bkt == nil {
		return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	v := bkt.Get([]byte(key.ID))
	if v == nil {
		return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	// Values are only valid for the life of the transaction.
	return Record{Key: key, Data: append([]byte(nil), v...)}, nil
}

func boltList(tx *bbolt.Tx, kind Kind) ([]Record, error) {
	bkt := tx.Bucket([]byte(kind))
	if bkt == nil {
		return nil, nil
	}
	var out []Record
	err := bkt.ForEach(func(k, v []byte) error {
		out = append(out, Record{
			Key:  Key{Kind: kind, ID: string(k)},
			Data: append([]byte(nil), v...),
		})
		return nil
	})
	return out, err
}
