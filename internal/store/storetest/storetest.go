// Package storetest provides store.Store helpers for tests in other packages.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"go.klb.dev/clipkeep/internal/store"
)

// ErrInjected is returned by a Flaky store while failing.
var ErrInjected = errors.New("storetest: injected failure")

// OpenMemory returns an in-memory SQLite store closed at test cleanup.
func OpenMemory(t testing.TB, opts ...store.Option) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", opts...)
	if err != nil {
		t.Fatalf("storetest.OpenMemory: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Sequential returns an id generator producing prefix-1, prefix-2, ...
func Sequential(prefix string) store.IDGenerator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// Flaky wraps a Store and fails every write while Fail is set.
type Flaky struct {
	store.Store
	Fail  atomic.Bool
	Calls atomic.Int64
}

// NewFlaky wraps st.
func NewFlaky(st store.Store) *Flaky { return &Flaky{Store: st} }

func (f *Flaky) Put(ctx context.Context, rec *store.Record) error {
	f.Calls.Add(1)
	if f.Fail.Load() {
		return ErrInjected
	}
	return f.Store.Put(ctx, rec)
}

func (f *Flaky) Delete(ctx context.Context, key store.Key) error {
	f.Calls.Add(1)
	if f.Fail.Load() {
		return ErrInjected
	}
	return f.Store.Delete(ctx, key)
}

// Update runs fn against the real transaction and then fails, so writes
// made by fn are rolled back.
func (f *Flaky) Update(ctx context.Context, fn func(store.Tx) error) error {
	f.Calls.Add(1)
	if !f.Fail.Load() {
		return f.Store.Update(ctx, fn)
	}
	err := f.Store.Update(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return ErrInjected
	})
	return err
}
