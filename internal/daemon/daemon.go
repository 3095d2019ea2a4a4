// Package daemon dispatches IPC requests to the history engine, the snippet
// store and the settings manager, and serves them on the local socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/clip"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/interchange"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/search"
	"go.klb.dev/clipkeep/internal/settings"
	"go.klb.dev/clipkeep/internal/snippets"
	"go.klb.dev/clipkeep/internal/watch"
	"go.klb.dev/clipkeep/internal/wire"
)

const readTimeout = 10 * time.Second

// Deps are the engines a Daemon serves. Watcher may be nil, in which case
// pastes are not suppressed from re-recording.
type Deps struct {
	History   *history.Engine
	Snippets  *snippets.Store
	Settings  *settings.Manager
	Watcher   *watch.Watcher
	Clipboard clip.Backend
}

// Options carries values reported by the status operation.
type Options struct {
	Version string
	Storage string
	Socket  string
	Logger  *slog.Logger
}

// Daemon answers message.Requests.
type Daemon struct {
	Deps
	opts      Options
	index     *search.Index
	startedAt time.Time
	log       *slog.Logger
}

// New wires the engines together. Changes to max_history in the settings
// are applied to the history engine immediately.
func New(deps Deps, opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Daemon{
		Deps:      deps,
		opts:      opts,
		index:     search.New(deps.History, deps.Snippets),
		startedAt: time.Now(),
		log:       opts.Logger.With("component", "daemon"),
	}
	deps.Settings.OnChange(func(old, cur settings.Settings) {
		if old.MaxHistory == cur.MaxHistory {
			return
		}
		if err := deps.History.SetMaxHistory(context.Background(), cur.MaxHistory); err != nil {
			d.log.Warn("applying max_history", "max_history", cur.MaxHistory, "err", err)
		}
	})
	return d
}

// Handle executes req. Mutations that were applied in memory but could not
// be persisted yet succeed with a Warning.
func (d *Daemon) Handle(ctx context.Context, req *message.Request) *message.Response {
	start := time.Now()
	resp, err := d.dispatch(ctx, req)
	d.log.Debug("request", "op", req.Op, "took", time.Since(start), "err", err)

	switch {
	case err == nil:
		resp.OK = true
		return resp
	case resp != nil && errors.Is(err, apperr.ErrStorage):
		resp.OK = true
		resp.Warning = err.Error()
		return resp
	default:
		return message.Fail(err)
	}
}

func (d *Daemon) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	switch req.Op {
	case message.OpHistoryList:
		total, _ := d.History.Counts()
		return &message.Response{Entries: d.History.List(req.Limit, req.Offset), Count: total}, nil

	case message.OpHistoryRecord:
		ent, err := d.History.Record(ctx, req.Text)
		return entryResp(ent, err)

	case message.OpHistoryPin:
		ent, err := d.History.Pin(ctx, req.ID)
		return entryResp(ent, err)

	case message.OpHistoryUnpin:
		ent, err := d.History.Unpin(ctx, req.ID)
		return entryResp(ent, err)

	case message.OpHistoryRemove:
		err := d.History.Remove(ctx, req.ID)
		return mutated(&message.Response{}, err)

	case message.OpHistoryClear:
		n, err := d.History.Clear(ctx)
		return mutated(&message.Response{Count: n}, err)

	case message.OpSearch:
		scope, err := search.ParseScope(req.Scope)
		if err != nil {
			return nil, err
		}
		return &message.Response{Matches: search.Take(d.index.Filter(req.Query, scope), req.Limit)}, nil

	case message.OpPaste:
		return d.paste(ctx, req.ID)

	case message.OpFolderCreate:
		f, err := d.Snippets.CreateFolder(ctx, req.Name, req.Parent)
		if err != nil && f.ID == "" {
			return nil, err
		}
		return &message.Response{Folder: &f}, err

	case message.OpSnippetCreate:
		var body string
		if req.Body != nil {
			body = *req.Body
		}
		sn, err := d.Snippets.CreateSnippet(ctx, req.Name, body, req.Parent)
		return snippetResp(sn, err)

	case message.OpSnippetEdit:
		cur, err := d.Snippets.Snippet(req.ID)
		if err != nil {
			return nil, err
		}
		title, body := cur.Title, cur.Body
		if req.Name != "" {
			title = req.Name
		}
		if req.Body != nil {
			body = *req.Body
		}
		sn, err := d.Snippets.Edit(ctx, req.ID, title, body)
		return snippetResp(sn, err)

	case message.OpNodeMove:
		return mutated(&message.Response{}, d.Snippets.Move(ctx, req.ID, req.Parent))

	case message.OpNodeRename:
		return mutated(&message.Response{}, d.Snippets.Rename(ctx, req.ID, req.Name))

	case message.OpNodeDelete:
		n, err := d.Snippets.Delete(ctx, req.ID)
		if err != nil && n == 0 {
			return nil, err
		}
		return &message.Response{Count: n}, err

	case message.OpNodeReorder:
		return mutated(&message.Response{}, d.Snippets.Reorder(ctx, req.IDs))

	case message.OpSnippetsTree:
		t := d.Snippets.Tree()
		return &message.Response{Tree: &t}, nil

	case message.OpExport:
		doc, err := interchange.Export(d.Snippets.Tree())
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		return &message.Response{Document: string(doc)}, nil

	case message.OpImport:
		mode, err := snippets.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		tree, err := interchange.Import([]byte(req.Document))
		if err != nil {
			return nil, err
		}
		res, err := d.Snippets.Import(ctx, tree, mode)
		if err != nil && mode == snippets.ModeReplace {
			return nil, err
		}
		return mutated(&message.Response{Import: &res}, err)

	case message.OpSettingsGet:
		s := d.Settings.Get()
		return &message.Response{Settings: &s}, nil

	case message.OpSettingsSet:
		if req.Settings == nil {
			return nil, fmt.Errorf("settings.set without settings: %w", apperr.ErrInvalid)
		}
		s, err := d.Settings.Update(ctx, req.Settings.Apply)
		if err != nil && !errors.Is(err, apperr.ErrStorage) {
			return nil, err
		}
		return &message.Response{Settings: &s}, err

	case message.OpStatus:
		return &message.Response{Status: d.status()}, nil
	}
	return nil, fmt.Errorf("unknown op %q: %w", req.Op, apperr.ErrInvalid)
}

// paste writes a history entry or snippet to the clipboard and counts the
// use. The watcher is told first so the write is not recorded again.
func (d *Daemon) paste(ctx context.Context, id string) (*message.Response, error) {
	if ent, err := d.History.Get(id); err == nil {
		if err := d.write(ent.Text); err != nil {
			return nil, err
		}
		ent, err := d.History.Use(ctx, id)
		return entryResp(ent, err)
	}
	sn, err := d.Snippets.Snippet(id)
	if err != nil {
		return nil, fmt.Errorf("paste %q: %w", id, apperr.ErrNotFound)
	}
	if err := d.write(sn.Body); err != nil {
		return nil, err
	}
	sn, err = d.Snippets.Use(ctx, id)
	return snippetResp(sn, err)
}

func (d *Daemon) write(text string) error {
	if d.Clipboard == nil {
		return fmt.Errorf("paste: no clipboard backend: %w", apperr.ErrClipboardWrite)
	}
	if d.Watcher != nil {
		d.Watcher.Suppress(text)
	}
	if err := d.Clipboard.WriteText(text); err != nil {
		return fmt.Errorf("paste: %w: %v", apperr.ErrClipboardWrite, err)
	}
	return nil
}

func (d *Daemon) status() *message.Status {
	entries, pinned := d.History.Counts()
	folders, snips := d.Snippets.Counts()
	st := &message.Status{
		Version:    d.opts.Version,
		Storage:    d.opts.Storage,
		Socket:     d.opts.Socket,
		StartedAt:  d.startedAt,
		Entries:    entries,
		Pinned:     pinned,
		MaxHistory: d.History.MaxHistory(),
		Folders:    folders,
		Snippets:   snips,
	}
	if d.Clipboard != nil {
		st.Clipboard = d.Clipboard.Name()
	}
	return st
}

// entryResp keeps the entry in the response when err only reports a
// pending write.
func entryResp(ent history.Entry, err error) (*message.Response, error) {
	if err != nil && !errors.Is(err, apperr.ErrStorage) {
		return nil, err
	}
	return &message.Response{Entry: &ent}, err
}

func snippetResp(sn snippets.Snippet, err error) (*message.Response, error) {
	if err != nil && !errors.Is(err, apperr.ErrStorage) {
		return nil, err
	}
	return &message.Response{Snippet: &sn}, err
}

func mutated(resp *message.Response, err error) (*message.Response, error) {
	if err != nil && !errors.Is(err, apperr.ErrStorage) {
		return nil, err
	}
	return resp, err
}

// Flush retries pending writes of every engine.
func (d *Daemon) Flush(ctx context.Context) error {
	return errors.Join(
		d.History.Flush(ctx),
		d.Snippets.Flush(ctx),
		d.Settings.Flush(ctx),
	)
}

// Serve accepts connections on ln until ctx is cancelled, answering one
// request per connection. It waits for in-flight requests before returning.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	d.log.Info("listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.serveConn(ctx, conn)
		}()
	}
}

func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	c := wire.New(conn)
	defer c.Close()

	c.SetReadDeadline(readTimeout)
	req, err := c.ReadRequest()
	if err != nil {
		d.log.Debug("bad request", "err", err)
		_ = c.WriteResponse(message.Fail(fmt.Errorf("%w: %v", apperr.ErrInvalid, err)))
		return
	}
	c.SetReadDeadline(0)

	if err := c.WriteResponse(d.Handle(ctx, req)); err != nil {
		d.log.Debug("write response", "op", req.Op, "err", err)
	}
}
