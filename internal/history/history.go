// Package history keeps the capped, deduplicated clipboard history.
//
// The Engine holds the authoritative in-memory list for the session and
// writes every mutation through a store.Journal before returning. A failed
// write leaves the in-memory state in place, keeps the write pending for
// the next mutation or Flush, and reports a wrapped apperr.ErrStorage.
package history

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/logging"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/store"
)

// DefaultMaxHistory is the cap applied when Options.MaxHistory is zero.
const DefaultMaxHistory = 100

// Entry is one history item.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Pinned    bool      `json:"pinned"`
	Uses      int       `json:"uses,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// MaxHistory caps the number of unpinned entries.
	MaxHistory int
	// MaxPinned caps the number of pinned entries. Zero means unlimited.
	MaxPinned int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine owns the ordered history. All methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	entries    []*Entry // oldest first
	byID       map[string]*Entry
	byText     map[string]*Entry
	maxHistory int
	maxPinned  int

	journal *store.Journal
	now     func() time.Time
	log     *slog.Logger
}

// New returns an empty Engine persisting through j. Call Load to restore
// the previous session.
func New(j *store.Journal, opts Options) *Engine {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		byID:       make(map[string]*Entry),
		byText:     make(map[string]*Entry),
		maxHistory: opts.MaxHistory,
		maxPinned:  opts.MaxPinned,
		journal:    j,
		now:        opts.Now,
		log:        opts.Logger.With("component", "history"),
	}
}

// Load replaces the in-memory history with the persisted one. Undecodable
// records are skipped; duplicate texts keep the newest entry. The cap is
// re-applied afterwards.
func (e *Engine) Load(ctx context.Context) error {
	recs, err := e.journal.Store().ListByKind(ctx, store.KindHistory)
	if err != nil {
		return apperr.Storage("history: load", err)
	}

	loaded := make([]*Entry, 0, len(recs))
	for _, r := range recs {
		var ent Entry
		if err := json.Unmarshal(r.Data, &ent); err != nil || ent.Text == "" {
			e.log.Warn("skipping unreadable history record", "id", r.ID, "err", err)
			continue
		}
		ent.ID = r.ID
		loaded = append(loaded, &ent)
	}
	slices.SortStableFunc(loaded, func(a, b *Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = e.entries[:0]
	clear(e.byID)
	clear(e.byText)

	var ops []store.Op
	for _, ent := range loaded {
		if old, ok := e.byText[ent.Text]; ok {
			ent.Pinned = ent.Pinned || old.Pinned
			ent.Uses += old.Uses
			e.unlinkLocked(old)
			ops = append(ops, store.DeleteOp(keyOf(old.ID)))
		}
		e.linkLocked(ent)
	}
	for _, ev := range e.evictLocked() {
		ops = append(ops, store.DeleteOp(keyOf(ev.ID)))
	}
	e.updateGaugeLocked()
	e.log.Debug("history loaded", "entries", len(e.entries))
	return e.persistLocked(ctx, "load", ops...)
}

// Record inserts text as the newest entry, or promotes the existing entry
// with the same text to newest with a refreshed timestamp and unchanged id.
// The oldest unpinned entries are then evicted down to the cap. Text that
// is empty or only whitespace is not recorded and fails with
// apperr.ErrInvalid.
//
// On a storage failure the returned Entry is still valid and the error
// wraps apperr.ErrStorage.
func (e *Engine) Record(ctx context.Context, text string) (Entry, error) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, fmt.Errorf("history: blank text: %w", apperr.ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byText[text]
	if ok {
		e.unlinkLocked(ent)
		ent.CreatedAt = e.now()
		metrics.HistoryRecords.WithLabelValues(metrics.ResultPromoted).Inc()
	} else {
		ent = &Entry{ID: e.journal.NewID(), Text: text, CreatedAt: e.now()}
		metrics.HistoryRecords.WithLabelValues(metrics.ResultCreated).Inc()
	}
	e.linkLocked(ent)

	ops := []store.Op{e.putOp(ent)}
	for _, ev := range e.evictLocked() {
		ops = append(ops, store.DeleteOp(keyOf(ev.ID)))
	}
	e.updateGaugeLocked()

	e.log.Debug("recorded", "id", ent.ID, "promoted", ok, "text", logging.Preview(text))
	return *ent, e.persistLocked(ctx, "record", ops...)
}

// List returns pinned entries first, then unpinned, each group newest
// first. limit <= 0 returns everything after offset.
func (e *Engine) List(limit, offset int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Entry, 0, len(e.entries))
	for i := len(e.entries) - 1; i >= 0; i-- {
		if e.entries[i].Pinned {
			out = append(out, *e.entries[i])
		}
	}
	for i := len(e.entries) - 1; i >= 0; i-- {
		if !e.entries[i].Pinned {
			out = append(out, *e.entries[i])
		}
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []Entry{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Get returns the entry with id.
func (e *Engine) Get(id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, err := e.lookupLocked(id)
	if err != nil {
		return Entry{}, err
	}
	return *ent, nil
}

// Counts returns the number of live entries and how many are pinned.
func (e *Engine) Counts() (total, pinned int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.entries {
		if ent.Pinned {
			pinned++
		}
	}
	return len(e.entries), pinned
}

// MaxHistory returns the current cap.
func (e *Engine) MaxHistory() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxHistory
}

// Remove deletes the entry with id, pinned or not.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	e.unlinkLocked(ent)
	e.updateGaugeLocked()
	return e.persistLocked(ctx, "remove", store.DeleteOp(keyOf(id)))
}

// Pin exempts the entry from eviction. When a pin budget is set, pinning
// beyond it fails with apperr.ErrInvalid.
func (e *Engine) Pin(ctx context.Context, id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, err := e.lookupLocked(id)
	if err != nil {
		return Entry{}, err
	}
	if ent.Pinned {
		return *ent, nil
	}
	if e.maxPinned > 0 && e.pinnedLocked() >= e.maxPinned {
		return Entry{}, fmt.Errorf("history: pin budget of %d reached: %w", e.maxPinned, apperr.ErrInvalid)
	}
	ent.Pinned = true
	return *ent, e.persistLocked(ctx, "pin", e.putOp(ent))
}

// Unpin makes the entry eligible for eviction again. The cap is enforced on
// the next Record, not here.
func (e *Engine) Unpin(ctx context.Context, id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, err := e.lookupLocked(id)
	if err != nil {
		return Entry{}, err
	}
	if !ent.Pinned {
		return *ent, nil
	}
	ent.Pinned = false
	return *ent, e.persistLocked(ctx, "unpin", e.putOp(ent))
}

// Clear removes every unpinned entry and returns how many were removed.
func (e *Engine) Clear(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ops []store.Op
	kept := e.entries[:0]
	for _, ent := range e.entries {
		if ent.Pinned {
			kept = append(kept, ent)
			continue
		}
		delete(e.byID, ent.ID)
		delete(e.byText, ent.Text)
		ops = append(ops, store.DeleteOp(keyOf(ent.ID)))
	}
	clear(e.entries[len(kept):])
	e.entries = kept
	e.updateGaugeLocked()
	return len(ops), e.persistLocked(ctx, "clear", ops...)
}

// SetMaxHistory changes the cap and evicts immediately.
func (e *Engine) SetMaxHistory(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("history: max_history %d < 1: %w", n, apperr.ErrInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.maxHistory = n
	var ops []store.Op
	for _, ev := range e.evictLocked() {
		ops = append(ops, store.DeleteOp(keyOf(ev.ID)))
	}
	e.updateGaugeLocked()
	return e.persistLocked(ctx, "set max history", ops...)
}

// Use increments the paste counter of the entry.
func (e *Engine) Use(ctx context.Context, id string) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, err := e.lookupLocked(id)
	if err != nil {
		return Entry{}, err
	}
	ent.Uses++
	return *ent, e.persistLocked(ctx, "use", e.putOp(ent))
}

// Flush retries writes left pending by earlier storage failures.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistLocked(ctx, "flush")
}

func (e *Engine) lookupLocked(id string) (*Entry, error) {
	ent, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("history: entry %q: %w", id, apperr.ErrNotFound)
	}
	return ent, nil
}

func (e *Engine) linkLocked(ent *Entry) {
	e.entries = append(e.entries, ent)
	e.byID[ent.ID] = ent
	e.byText[ent.Text] = ent
}

func (e *Engine) unlinkLocked(ent *Entry) {
	if i := slices.Index(e.entries, ent); i >= 0 {
		e.entries = slices.Delete(e.entries, i, i+1)
	}
	delete(e.byID, ent.ID)
	delete(e.byText, ent.Text)
}

func (e *Engine) pinnedLocked() int {
	n := 0
	for _, ent := range e.entries {
		if ent.Pinned {
			n++
		}
	}
	return n
}

// evictLocked drops the oldest unpinned entries while more than maxHistory
// remain and returns what it dropped.
func (e *Engine) evictLocked() []*Entry {
	excess := len(e.entries) - e.pinnedLocked() - e.maxHistory
	if excess <= 0 {
		return nil
	}
	var evicted []*Entry
	kept := e.entries[:0]
	for _, ent := range e.entries {
		if excess > 0 && !ent.Pinned {
			excess--
			evicted = append(evicted, ent)
			delete(e.byID, ent.ID)
			delete(e.byText, ent.Text)
			continue
		}
		kept = append(kept, ent)
	}
	clear(e.entries[len(kept):])
	e.entries = kept
	metrics.HistoryEvictions.Add(float64(len(evicted)))
	return evicted
}

func (e *Engine) updateGaugeLocked() {
	metrics.HistoryEntries.Set(float64(len(e.entries)))
}

func (e *Engine) putOp(ent *Entry) store.Op {
	data, _ := json.Marshal(ent)
	return store.PutOp(store.Record{Key: keyOf(ent.ID), Data: data})
}

func (e *Engine) persistLocked(ctx context.Context, op string, ops ...store.Op) error {
	if err := e.journal.Apply(ctx, ops...); err != nil {
		metrics.StorageErrors.WithLabelValues("history").Inc()
		e.log.Warn("history write failed, kept pending", "op", op, "pending", e.journal.Pending(), "err", err)
		return apperr.Storage("history: "+op, err)
	}
	return nil
}

func keyOf(id string) store.Key { return store.Key{Kind: store.KindHistory, ID: id} }
