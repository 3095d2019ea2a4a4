package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// storeFactory opens a Store for a contract test; cleanup is registered on t.
type storeFactory func(t *testing.T) Store

func sqliteFactory(t *testing.T) Store {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "clipkeep.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func memoryFactory(t *testing.T) Store {
	st, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite memory: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func boltFactory(t *testing.T) Store {
	st, err := OpenBolt(filepath.Join(t.TempDir(), "nested", "clipkeep.bolt"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

var factories = map[string]storeFactory{
	"sqlite":        sqliteFactory,
	"sqlite-memory": memoryFactory,
	"bolt":          boltFactory,
}

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, f := range factories {
		t.Run(name, func(t *testing.T) { fn(t, f(t)) })
	}
}

func TestStoreContract_PutAssignsID(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := Record{Key: Key{Kind: KindHistory}, Data: []byte(`{"text":"a"}`)}
		if err := st.Put(ctx, &rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("Put did not assign an id")
		}
		got, err := st.Get(ctx, rec.Key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("Get mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStoreContract_Upsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rec := Record{Key: Key{Kind: KindSnippet, ID: "s1"}, Data: []byte(`1`)}
		if err := st.Put(ctx, &rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
		rec.Data = []byte(`2`)
		if err := st.Put(ctx, &rec); err != nil {
			t.Fatalf("Put again: %v", err)
		}
		list, err := st.ListByKind(ctx, KindSnippet)
		if err != nil {
			t.Fatalf("ListByKind: %v", err)
		}
		if len(list) != 1 || string(list[0].Data) != "2" {
			t.Fatalf("ListByKind = %+v, want one record with data 2", list)
		}
	})
}

func TestStoreContract_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		_, err := st.Get(context.Background(), Key{Kind: KindFolder, ID: "nope"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get missing = %v, want ErrNotFound", err)
		}
		if err := st.Delete(context.Background(), Key{Kind: KindFolder, ID: "nope"}); err != nil {
			t.Fatalf("Delete missing = %v, want nil", err)
		}
	})
}

func TestStoreContract_ListIsolatesKinds(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, rec := range []Record{
			{Key: Key{Kind: KindFolder, ID: "f1"}, Data: []byte(`{}`)},
			{Key: Key{Kind: KindSnippet, ID: "s1"}, Data: []byte(`{}`)},
			{Key: Key{Kind: KindFolder, ID: "f2"}, Data: []byte(`{}`)},
		} {
			if err := st.Put(ctx, &rec); err != nil {
				t.Fatalf("Put %s: %v", rec.Key, err)
			}
		}
		list, err := st.ListByKind(ctx, KindFolder)
		if err != nil {
			t.Fatalf("ListByKind: %v", err)
		}
		var ids []string
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		if diff := cmp.Diff([]string{"f1", "f2"}, ids); diff != "" {
			t.Fatalf("folder ids (-want +got):\n%s", diff)
		}
	})
}

func TestStoreContract_UpdateRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		keep := Record{Key: Key{Kind: KindFolder, ID: "keep"}, Data: []byte(`{}`)}
		if err := st.Put(ctx, &keep); err != nil {
			t.Fatalf("Put: %v", err)
		}

		boom := errors.New("boom")
		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.Delete(keep.Key); err != nil {
				return err
			}
			rec := Record{Key: Key{Kind: KindFolder, ID: "new"}, Data: []byte(`{}`)}
			if err := tx.Put(&rec); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update = %v, want boom", err)
		}

		if _, err := st.Get(ctx, keep.Key); err != nil {
			t.Fatalf("deleted record survived rollback? Get: %v", err)
		}
		if _, err := st.Get(ctx, Key{Kind: KindFolder, ID: "new"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("record written in failed tx is visible: %v", err)
		}
	})
}

func TestStoreContract_UpdateSeesOwnWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		err := st.Update(ctx, func(tx Tx) error {
			rec := Record{Key: Key{Kind: KindSettings, ID: "settings"}, Data: []byte(`{"max_history":5}`)}
			if err := tx.Put(&rec); err != nil {
				return err
			}
			got, err := tx.Get(rec.Key)
			if err != nil {
				return err
			}
			if string(got.Data) != string(rec.Data) {
				t.Errorf("in-tx Get = %s", got.Data)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestIDGeneratorOption(t *testing.T) {
	n := 0
	gen := func() string { n++; return "fixed" }
	st, err := OpenSQLite(":memory:", WithIDGenerator(gen))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	rec := Record{Key: Key{Kind: KindHistory}, Data: []byte(`{}`)}
	if err := st.Put(context.Background(), &rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.ID != "fixed" || n != 1 {
		t.Fatalf("id = %q after %d calls", rec.ID, n)
	}
}

func TestIsBusy(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("no such table"), false},
	} {
		if got := isBusy(tt.err); got != tt.want {
			t.Errorf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
