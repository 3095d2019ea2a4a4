package snippets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/store"
	"go.klb.dev/clipkeep/internal/store/storetest"
)

var ignoreIDs = cmpopts.IgnoreFields(TreeFolder{}, "ID")
var ignoreSnippetIDs = cmpopts.IgnoreFields(TreeSnippet{}, "ID")

func newStore(t *testing.T) (*Store, *storetest.Flaky) {
	t.Helper()
	st := storetest.NewFlaky(storetest.OpenMemory(t, store.WithIDGenerator(storetest.Sequential("n"))))
	return New(store.NewJournal(st, time.Second), nil), st
}

func mustFolder(t *testing.T, s *Store, name, parent string) Folder {
	t.Helper()
	f, err := s.CreateFolder(context.Background(), name, parent)
	if err != nil {
		t.Fatalf("CreateFolder(%q): %v", name, err)
	}
	return f
}

func mustSnippet(t *testing.T, s *Store, title, body, folder string) Snippet {
	t.Helper()
	sn, err := s.CreateSnippet(context.Background(), title, body, folder)
	if err != nil {
		t.Fatalf("CreateSnippet(%q): %v", title, err)
	}
	return sn
}

func TestCreateValidation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.CreateFolder(ctx, "  ", ""); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("empty folder name: %v", err)
	}
	if _, err := s.CreateFolder(ctx, "x", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown parent: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, "t", "b", ""); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("snippet without folder: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, "t", "b", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("snippet in unknown folder: %v", err)
	}
}

func TestMoveIntoDescendantFails(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := mustFolder(t, s, "a", "")
	b := mustFolder(t, s, "b", a.ID)
	c := mustFolder(t, s, "c", b.ID)

	for _, target := range []string{a.ID, b.ID, c.ID} {
		if err := s.Move(ctx, a.ID, target); !errors.Is(err, apperr.ErrCycleDetected) {
			t.Errorf("Move(a, %s) = %v, want ErrCycleDetected", target, err)
		}
	}
	if err := s.Move(ctx, c.ID, ""); err != nil {
		t.Fatalf("Move(c, root): %v", err)
	}
	if err := s.Move(ctx, a.ID, c.ID); err != nil {
		t.Fatalf("Move(a, c) after c left the subtree: %v", err)
	}
	got, _ := s.Folder(a.ID)
	if got.ParentID != c.ID {
		t.Fatalf("a.ParentID = %q, want %q", got.ParentID, c.ID)
	}
}

func TestMoveSnippet(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := mustFolder(t, s, "a", "")
	b := mustFolder(t, s, "b", "")
	mustSnippet(t, s, "existing", "", b.ID)
	sn := mustSnippet(t, s, "x", "body", a.ID)

	if err := s.Move(ctx, sn.ID, ""); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("Move snippet to root = %v", err)
	}
	if err := s.Move(ctx, sn.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Snippet(sn.ID)
	if got.FolderID != b.ID || got.Order != 1 {
		t.Fatalf("moved snippet = %+v", got)
	}
}

func TestDeleteCascades(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a := mustFolder(t, s, "a", "")
	b := mustFolder(t, s, "b", a.ID)
	keep := mustFolder(t, s, "keep", "")
	mustSnippet(t, s, "s1", "", a.ID)
	mustSnippet(t, s, "s2", "", b.ID)
	mustSnippet(t, s, "s3", "", keep.ID)

	n, err := s.Delete(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("removed %d nodes, want 4", n)
	}
	folders, snippets := s.Counts()
	if folders != 1 || snippets != 1 {
		t.Fatalf("counts = %d folders, %d snippets", folders, snippets)
	}
	if _, err := s.Delete(ctx, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second Delete = %v", err)
	}
}

func TestReorderPartialKeepsUnlisted(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	f := mustFolder(t, s, "f", "")
	a := mustSnippet(t, s, "a", "", f.ID)
	b := mustSnippet(t, s, "b", "", f.ID)
	mustSnippet(t, s, "c", "", f.ID)
	d := mustSnippet(t, s, "d", "", f.ID)

	if err := s.Reorder(ctx, []string{d.ID, b.ID}); err != nil {
		t.Fatal(err)
	}
	var titles []string
	for _, sn := range s.Tree().Folders[0].Snippets {
		titles = append(titles, sn.Title)
	}
	if diff := cmp.Diff([]string{"d", "b", "a", "c"}, titles); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}

	other := mustFolder(t, s, "other", "")
	stray := mustSnippet(t, s, "stray", "", other.ID)
	if err := s.Reorder(ctx, []string{a.ID, stray.ID}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("non-sibling reorder = %v", err)
	}
	if err := s.Reorder(ctx, []string{a.ID, a.ID}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("duplicate reorder = %v", err)
	}
}

func TestReorderFolders(t *testing.T) {
	s, _ := newStore(t)
	x := mustFolder(t, s, "x", "")
	mustFolder(t, s, "y", "")
	z := mustFolder(t, s, "z", "")

	if err := s.Reorder(context.Background(), []string{z.ID, x.ID}); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range s.Tree().Folders {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"z", "x", "y"}, names); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestRenameEditUse(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	f := mustFolder(t, s, "f", "")
	sn := mustSnippet(t, s, "t", "b", f.ID)

	if err := s.Rename(ctx, f.ID, "Work"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Edit(ctx, sn.ID, "greeting", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Use(ctx, sn.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Snippet(sn.ID)
	want := Snippet{ID: sn.ID, Title: "greeting", Body: "hello", FolderID: f.ID, Uses: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snippet (-want +got):\n%s", diff)
	}
	if err := s.Rename(ctx, "missing", "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Rename missing = %v", err)
	}
}

func TestMergeReusesFolder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	work := mustFolder(t, s, "Work", "")
	mustSnippet(t, s, "sig", "old", work.ID)

	res, err := s.Import(ctx, Tree{Folders: []TreeFolder{{
		Name: "Work",
		Snippets: []TreeSnippet{
			{Title: "sig", Body: "new"},
			{Title: "sig", Body: "newer"},
			{Title: "addr", Body: "1 Main St"},
		},
	}}}, ModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ImportResult{FoldersMerged: 1, SnippetsCreated: 3, SnippetsRenamed: 2}, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}

	want := Tree{Folders: []TreeFolder{{
		Name: "Work",
		Snippets: []TreeSnippet{
			{Title: "sig", Body: "old"},
			{Title: "sig (2)", Body: "new"},
			{Title: "sig (3)", Body: "newer"},
			{Title: "addr", Body: "1 Main St"},
		},
	}}}
	if diff := cmp.Diff(want, s.Tree(), ignoreIDs, ignoreSnippetIDs); diff != "" {
		t.Fatalf("tree (-want +got):\n%s", diff)
	}
}

func TestImportRejectsMalformedTree(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Import(context.Background(), Tree{Folders: []TreeFolder{{Name: ""}}}, ModeMerge)
	if !errors.Is(err, apperr.ErrFormat) {
		t.Fatalf("Import = %v, want ErrFormat", err)
	}
	if f, sn := s.Counts(); f != 0 || sn != 0 {
		t.Fatal("malformed import mutated the store")
	}
}

func TestReplaceFailureLeavesTreeUntouched(t *testing.T) {
	s, st := newStore(t)
	ctx := context.Background()
	f := mustFolder(t, s, "Old", "")
	mustSnippet(t, s, "keep me", "body", f.ID)
	before := s.Tree()

	st.Fail.Store(true)
	_, err := s.Import(ctx, Tree{Folders: []TreeFolder{{Name: "New"}}}, ModeReplace)
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("Import = %v, want ErrStorage", err)
	}
	if diff := cmp.Diff(before, s.Tree()); diff != "" {
		t.Fatalf("in-memory tree changed (-want +got):\n%s", diff)
	}

	st.Fail.Store(false)
	reloaded := New(store.NewJournal(st, time.Second), nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, reloaded.Tree()); diff != "" {
		t.Fatalf("persisted tree changed (-want +got):\n%s", diff)
	}
}

func TestReplaceSwapsTree(t *testing.T) {
	s, st := newStore(t)
	ctx := context.Background()
	mustFolder(t, s, "Old", "")

	incoming := Tree{Folders: []TreeFolder{{
		Name:     "New",
		Folders:  []TreeFolder{{Name: "Inner", Snippets: []TreeSnippet{{Title: "t", Body: "b"}}}},
		Snippets: []TreeSnippet{{Title: "top", Body: "x"}},
	}}}
	res, err := s.Import(ctx, incoming, ModeReplace)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 || res.FoldersCreated != 2 || res.SnippetsCreated != 2 {
		t.Fatalf("result = %+v", res)
	}

	reloaded := New(store.NewJournal(st, time.Second), nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(incoming, reloaded.Tree(), ignoreIDs, ignoreSnippetIDs); diff != "" {
		t.Fatalf("persisted tree (-want +got):\n%s", diff)
	}
}

func TestReplaceKeepsDuplicateNames(t *testing.T) {
	s, st := newStore(t)
	ctx := context.Background()
	mustFolder(t, s, "Work", "")

	incoming := Tree{Folders: []TreeFolder{
		{Name: "Work", Snippets: []TreeSnippet{
			{Title: "Greeting", Body: "one"},
			{Title: "Greeting", Body: "two"},
		}},
		{Name: "Work", Snippets: []TreeSnippet{{Title: "Other", Body: "three"}}},
	}}
	res, err := s.Import(ctx, incoming, ModeReplace)
	if err != nil {
		t.Fatal(err)
	}
	if res.FoldersMerged != 0 || res.SnippetsRenamed != 0 || res.FoldersCreated != 2 || res.SnippetsCreated != 3 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff(incoming, s.Tree(), ignoreIDs, ignoreSnippetIDs); diff != "" {
		t.Fatalf("tree (-want +got):\n%s", diff)
	}

	reloaded := New(store.NewJournal(st, time.Second), nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(incoming, reloaded.Tree(), ignoreIDs, ignoreSnippetIDs); diff != "" {
		t.Fatalf("persisted tree (-want +got):\n%s", diff)
	}
}

func TestRejectsControlCharacters(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	f := mustFolder(t, s, "Work", "")
	sn := mustSnippet(t, s, "ansi", "plain", f.ID)
	const bad = "esc\x1b[0m bell\x07"

	if _, err := s.CreateFolder(ctx, bad, ""); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("CreateFolder: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, "t", bad, f.ID); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("CreateSnippet body: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, bad, "b", f.ID); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("CreateSnippet title: %v", err)
	}
	if _, err := s.Edit(ctx, sn.ID, "ansi", bad); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("Edit: %v", err)
	}
	if err := s.Rename(ctx, sn.ID, bad); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("Rename snippet: %v", err)
	}
	if err := s.Rename(ctx, f.ID, bad); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("Rename folder: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, "bytes", "\xff\xfe", f.ID); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("invalid UTF-8: %v", err)
	}
	if _, err := s.CreateSnippet(ctx, "ok", "tab\there\r\nnext", f.ID); err != nil {
		t.Errorf("tab and CRLF rejected: %v", err)
	}

	_, err := s.Import(ctx, Tree{Folders: []TreeFolder{{
		Name:     "In",
		Snippets: []TreeSnippet{{Title: "t", Body: bad}},
	}}}, ModeMerge)
	if !errors.Is(err, apperr.ErrFormat) {
		t.Errorf("Import = %v, want ErrFormat", err)
	}

	got, err := s.Snippet(sn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "ansi" || got.Body != "plain" {
		t.Fatalf("snippet changed: %+v", got)
	}
}

func TestLoadRepairsTree(t *testing.T) {
	ctx := context.Background()
	st := storetest.OpenMemory(t)
	put := func(kind store.Kind, id, data string) {
		rec := store.Record{Key: store.Key{Kind: kind, ID: id}, Data: []byte(data)}
		if err := st.Put(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	}
	put(store.KindFolder, "a", `{"name":"a","parent_id":"b"}`)
	put(store.KindFolder, "b", `{"name":"b","parent_id":"a"}`)
	put(store.KindFolder, "c", `{"name":"c","parent_id":"gone"}`)
	put(store.KindSnippet, "s", `{"title":"orphan","folder_id":"gone"}`)
	put(store.KindSnippet, "ok", `{"title":"fine","folder_id":"c"}`)

	s := New(store.NewJournal(st, time.Second), nil)
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Snippet("s"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatal("orphaned snippet was loaded")
	}
	c, _ := s.Folder("c")
	if c.ParentID != "" {
		t.Fatalf("folder with missing parent not reattached: %+v", c)
	}
	a, _ := s.Folder("a")
	if a.ParentID != "" {
		t.Fatalf("cyclic folder a not reattached: %+v", a)
	}
	// The tree must be walkable without looping.
	if n := len(s.All()); n != 1 {
		t.Fatalf("All() = %d snippets, want 1", n)
	}
}

func TestAllDepthFirst(t *testing.T) {
	s, _ := newStore(t)
	a := mustFolder(t, s, "a", "")
	inner := mustFolder(t, s, "inner", a.ID)
	b := mustFolder(t, s, "b", "")
	mustSnippet(t, s, "a1", "", a.ID)
	mustSnippet(t, s, "i1", "", inner.ID)
	mustSnippet(t, s, "b1", "", b.ID)

	var titles []string
	for _, sn := range s.All() {
		titles = append(titles, sn.Title)
	}
	if diff := cmp.Diff([]string{"i1", "a1", "b1"}, titles); diff != "" {
		t.Fatalf("All (-want +got):\n%s", diff)
	}
}

func TestParseMode(t *testing.T) {
	if m, _ := ParseMode(""); m != ModeMerge {
		t.Error("default should be merge")
	}
	if m, _ := ParseMode("Replace"); m != ModeReplace {
		t.Error("replace")
	}
	if _, err := ParseMode("overwrite"); !errors.Is(err, apperr.ErrInvalid) {
		t.Error("unknown mode accepted")
	}
}
