package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/clip"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/settings"
	"go.klb.dev/clipkeep/internal/snippets"
	"go.klb.dev/clipkeep/internal/store"
	"go.klb.dev/clipkeep/internal/store/storetest"
	"go.klb.dev/clipkeep/internal/watch"
	"go.klb.dev/clipkeep/internal/wire"
)

type fixture struct {
	d    *Daemon
	clip *clip.Memory
	st   *storetest.Flaky
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.DiscardHandler)
	st := storetest.NewFlaky(storetest.OpenMemory(t, store.WithIDGenerator(storetest.Sequential("id"))))

	h := history.New(store.NewJournal(st, time.Second), history.Options{MaxHistory: 10, Logger: log})
	sn := snippets.New(store.NewJournal(st, time.Second), log)
	set := settings.NewManager(store.NewJournal(st, time.Second), log)
	for _, load := range []func(context.Context) error{h.Load, sn.Load, set.Load} {
		if err := load(ctx); err != nil {
			t.Fatal(err)
		}
	}

	mem := clip.NewMemory()
	d := New(Deps{
		History:   h,
		Snippets:  sn,
		Settings:  set,
		Watcher:   watch.New(mem, h, log),
		Clipboard: mem,
	}, Options{Version: "test", Storage: "sqlite", Socket: "mem", Logger: log})
	return &fixture{d: d, clip: mem, st: st}
}

func (f *fixture) do(t *testing.T, req message.Request) *message.Response {
	t.Helper()
	resp := f.d.Handle(context.Background(), &req)
	if !resp.OK {
		t.Fatalf("%s: %s (%s)", req.Op, resp.Error, resp.Code)
	}
	return resp
}

func (f *fixture) fail(t *testing.T, req message.Request, want error) {
	t.Helper()
	resp := f.d.Handle(context.Background(), &req)
	if resp.OK {
		t.Fatalf("%s succeeded, want %v", req.Op, want)
	}
	if err := resp.Err(); !errors.Is(err, want) {
		t.Fatalf("%s = %v (%s), want %v", req.Op, err, resp.Code, want)
	}
}

func texts(es []history.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Text
	}
	return out
}

func TestHistoryOps(t *testing.T) {
	f := newFixture(t)

	a := f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "alpha"}).Entry
	f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "beta"})
	f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "gamma"})
	f.do(t, message.Request{Op: message.OpHistoryPin, ID: a.ID})

	list := f.do(t, message.Request{Op: message.OpHistoryList})
	if diff := cmp.Diff([]string{"alpha", "gamma", "beta"}, texts(list.Entries)); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
	if list.Count != 3 {
		t.Fatalf("count = %d", list.Count)
	}

	page := f.do(t, message.Request{Op: message.OpHistoryList, Limit: 1, Offset: 1})
	if diff := cmp.Diff([]string{"gamma"}, texts(page.Entries)); diff != "" {
		t.Fatalf("page (-want +got):\n%s", diff)
	}

	f.do(t, message.Request{Op: message.OpHistoryRemove, ID: list.Entries[1].ID})
	f.fail(t, message.Request{Op: message.OpHistoryRemove, ID: "missing"}, apperr.ErrNotFound)

	cleared := f.do(t, message.Request{Op: message.OpHistoryClear})
	if cleared.Count != 1 {
		t.Fatalf("clear removed %d, want 1", cleared.Count)
	}
	left := f.do(t, message.Request{Op: message.OpHistoryList})
	if diff := cmp.Diff([]string{"alpha"}, texts(left.Entries)); diff != "" {
		t.Fatalf("after clear (-want +got):\n%s", diff)
	}
}

func TestSnippetOpsAndSearch(t *testing.T) {
	f := newFixture(t)

	folder := f.do(t, message.Request{Op: message.OpFolderCreate, Name: "Work"}).Folder
	body := "Kind regards,\nSam"
	sn := f.do(t, message.Request{Op: message.OpSnippetCreate, Name: "Signature", Body: &body, Parent: folder.ID}).Snippet
	f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "regards to all"})

	edited := f.do(t, message.Request{Op: message.OpSnippetEdit, ID: sn.ID, Name: "Sig"}).Snippet
	if edited.Title != "Sig" || edited.Body != body {
		t.Fatalf("edit title only = %+v", edited)
	}

	res := f.do(t, message.Request{Op: message.OpSearch, Query: "REGARDS"})
	if len(res.Matches) != 2 {
		t.Fatalf("search both = %+v", res.Matches)
	}
	res = f.do(t, message.Request{Op: message.OpSearch, Query: "regards", Scope: "snippets"})
	if len(res.Matches) != 1 || res.Matches[0].ID != sn.ID {
		t.Fatalf("search snippets = %+v", res.Matches)
	}
	f.fail(t, message.Request{Op: message.OpSearch, Query: "x", Scope: "everything"}, apperr.ErrInvalid)

	sub := f.do(t, message.Request{Op: message.OpFolderCreate, Name: "Sub", Parent: folder.ID}).Folder
	f.fail(t, message.Request{Op: message.OpNodeMove, ID: folder.ID, Parent: sub.ID}, apperr.ErrCycleDetected)
	f.do(t, message.Request{Op: message.OpNodeRename, ID: sub.ID, Name: "Nested"})

	tree := f.do(t, message.Request{Op: message.OpSnippetsTree}).Tree
	if len(tree.Folders) != 1 || tree.Folders[0].Folders[0].Name != "Nested" {
		t.Fatalf("tree = %+v", tree)
	}

	del := f.do(t, message.Request{Op: message.OpNodeDelete, ID: folder.ID})
	if del.Count != 3 {
		t.Fatalf("delete removed %d nodes, want 3", del.Count)
	}
	f.fail(t, message.Request{Op: message.OpSnippetEdit, ID: sn.ID, Name: "x"}, apperr.ErrNotFound)
}

func TestPasteSuppressesRecording(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Watcher.Run(ctx)
		close(done)
	}()

	ent := f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "old"}).Entry
	f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "new"})

	pasted := f.do(t, message.Request{Op: message.OpPaste, ID: ent.ID}).Entry
	if pasted.Uses != 1 {
		t.Fatalf("uses = %d", pasted.Uses)
	}
	if got, _ := f.clip.ReadText(); got != "old" {
		t.Fatalf("clipboard = %q", got)
	}

	cancel()
	<-done

	list := f.d.History.List(0, 0)
	if diff := cmp.Diff([]string{"new", "old"}, texts(list)); diff != "" {
		t.Fatalf("paste re-recorded the entry (-want +got):\n%s", diff)
	}
	f.fail(t, message.Request{Op: message.OpPaste, ID: "missing"}, apperr.ErrNotFound)
}

type brokenClipboard struct{ *clip.Memory }

func (brokenClipboard) WriteText(string) error { return errors.New("no display") }

func TestPasteClipboardFailure(t *testing.T) {
	f := newFixture(t)
	ent := f.do(t, message.Request{Op: message.OpHistoryRecord, Text: "hello"}).Entry

	f.d.Clipboard = brokenClipboard{f.clip}
	f.fail(t, message.Request{Op: message.OpPaste, ID: ent.ID}, apperr.ErrClipboardWrite)
	resp := f.d.Handle(context.Background(), &message.Request{Op: message.OpPaste, ID: ent.ID})
	if resp.Code != apperr.CodeClipboardWrite {
		t.Fatalf("code = %q, want %q", resp.Code, apperr.CodeClipboardWrite)
	}

	f.d.Clipboard = nil
	f.fail(t, message.Request{Op: message.OpPaste, ID: ent.ID}, apperr.ErrClipboardWrite)

	got, err := f.d.History.Get(ent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Uses != 0 {
		t.Fatalf("failed paste counted as a use: %d", got.Uses)
	}
}

func TestMalformedReplaceKeepsTree(t *testing.T) {
	f := newFixture(t)
	folder := f.do(t, message.Request{Op: message.OpFolderCreate, Name: "Work"}).Folder
	inner := f.do(t, message.Request{Op: message.OpFolderCreate, Name: "Mail", Parent: folder.ID}).Folder
	for _, sn := range []struct{ title, body, folder string }{
		{"Greeting", "Hello", folder.ID},
		{"Signature", "Regards", inner.ID},
	} {
		f.do(t, message.Request{Op: message.OpSnippetCreate, Name: sn.title, Body: &sn.body, Parent: sn.folder})
	}
	before := f.d.Snippets.Tree()

	f.fail(t, message.Request{Op: message.OpImport, Document: "<nope", Mode: "replace"}, apperr.ErrFormat)

	if diff := cmp.Diff(before, f.d.Snippets.Tree()); diff != "" {
		t.Fatalf("tree changed by rejected import (-want +got):\n%s", diff)
	}
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	folder := f.do(t, message.Request{Op: message.OpFolderCreate, Name: "Greetings"}).Folder
	body := "Hello!"
	f.do(t, message.Request{Op: message.OpSnippetCreate, Name: "Hi", Body: &body, Parent: folder.ID})

	doc := f.do(t, message.Request{Op: message.OpExport}).Document
	if !strings.Contains(doc, "Greetings") {
		t.Fatalf("export = %s", doc)
	}

	merged := f.do(t, message.Request{Op: message.OpImport, Document: doc, Mode: "merge"}).Import
	if merged.FoldersMerged != 1 || merged.SnippetsRenamed != 1 {
		t.Fatalf("merge = %+v", merged)
	}

	replaced := f.do(t, message.Request{Op: message.OpImport, Document: doc, Mode: "replace"}).Import
	if replaced.Removed != 3 || replaced.SnippetsCreated != 1 {
		t.Fatalf("replace = %+v", replaced)
	}

	f.fail(t, message.Request{Op: message.OpImport, Document: "<nope", Mode: "merge"}, apperr.ErrFormat)
	f.fail(t, message.Request{Op: message.OpImport, Document: doc, Mode: "sideways"}, apperr.ErrInvalid)

	f.st.Fail.Store(true)
	f.fail(t, message.Request{Op: message.OpImport, Document: doc, Mode: "replace"}, apperr.ErrStorage)
	if folders, snips := f.d.Snippets.Counts(); folders != 1 || snips != 1 {
		t.Fatalf("failed replace changed the tree: %d folders, %d snippets", folders, snips)
	}
}

func TestStorageFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.st.Fail.Store(true)

	resp := f.d.Handle(context.Background(), &message.Request{Op: message.OpHistoryRecord, Text: "kept"})
	if !resp.OK || resp.Warning == "" || resp.Entry == nil {
		t.Fatalf("record during outage = %+v", resp)
	}

	f.st.Fail.Store(false)
	if err := f.d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSettingsApplyMaxHistory(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"a", "b", "c"} {
		f.do(t, message.Request{Op: message.OpHistoryRecord, Text: s})
	}

	n := 2
	got := f.do(t, message.Request{Op: message.OpSettingsSet, Settings: &settings.Patch{MaxHistory: &n}}).Settings
	if got.MaxHistory != 2 {
		t.Fatalf("settings = %+v", got)
	}
	if diff := cmp.Diff([]string{"c", "b"}, texts(f.d.History.List(0, 0))); diff != "" {
		t.Fatalf("history after cap change (-want +got):\n%s", diff)
	}

	bad := 0
	f.fail(t, message.Request{Op: message.OpSettingsSet, Settings: &settings.Patch{MaxHistory: &bad}}, apperr.ErrInvalid)
	f.fail(t, message.Request{Op: message.OpSettingsSet}, apperr.ErrInvalid)

	st := f.do(t, message.Request{Op: message.OpStatus}).Status
	if st.MaxHistory != 2 || st.Entries != 2 || st.Clipboard != "memory" || st.Version != "test" {
		t.Fatalf("status = %+v", st)
	}
}

func TestUnknownOp(t *testing.T) {
	f := newFixture(t)
	f.fail(t, message.Request{Op: "history.explode"}, apperr.ErrInvalid)
}

func TestServe(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- f.d.Serve(ctx, ln) }()

	call := func(req *message.Request) *message.Response {
		t.Helper()
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		c := wire.New(conn)
		defer c.Close()
		if err := c.WriteRequest(req); err != nil {
			t.Fatal(err)
		}
		resp, err := c.ReadResponse()
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := call(&message.Request{Op: message.OpHistoryRecord, Text: "over the wire"}); !resp.OK {
		t.Fatalf("record = %+v", resp)
	}
	resp := call(&message.Request{Op: message.OpHistoryList})
	if diff := cmp.Diff([]string{"over the wire"}, texts(resp.Entries)); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := wire.New(conn)
	if err := c.WriteLine([]byte("{not json")); err != nil {
		t.Fatal(err)
	}
	bad, err := c.ReadResponse()
	c.Close()
	if err != nil {
		t.Fatal(err)
	}
	if bad.OK || bad.Code != apperr.CodeInvalid {
		t.Fatalf("malformed request = %+v", bad)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
