// Package snippets manages the user's folder/snippet hierarchy.
//
// Folders form a tree rooted at the empty parent id; every snippet belongs
// to exactly one folder. Nodes are kept in flat maps keyed by id and the
// tree is derived by parent pointers, so a move only changes one field and
// cycle checks walk parents upwards.
//
// Every mutation is written through a store.Journal before it returns.
package snippets

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/store"
)

// Folder is a node that holds snippets and other folders.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Order    int    `json:"order"`
}

// Snippet is a named piece of text inside a folder.
type Snippet struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	FolderID string `json:"folder_id"`
	Order    int    `json:"order"`
	Uses     int    `json:"uses,omitempty"`
}

// Store is the in-memory snippet tree. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	folders  map[string]*Folder
	snippets map[string]*Snippet

	journal *store.Journal
	log     *slog.Logger
}

// New returns an empty Store persisting through j. Call Load to restore
// the persisted tree.
func New(j *store.Journal, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		folders:  make(map[string]*Folder),
		snippets: make(map[string]*Snippet),
		journal:  j,
		log:      log.With("component", "snippets"),
	}
}

// Load replaces the in-memory tree with the persisted one. Folders whose
// parent is missing or that sit on a parent cycle are reattached to the
// root; snippets whose folder is missing are skipped.
func (s *Store) Load(ctx context.Context) error {
	st := s.journal.Store()
	frecs, err := st.ListByKind(ctx, store.KindFolder)
	if err != nil {
		return apperr.Storage("snippets: load folders", err)
	}
	srecs, err := st.ListByKind(ctx, store.KindSnippet)
	if err != nil {
		return apperr.Storage("snippets: load snippets", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.folders)
	clear(s.snippets)

	for _, r := range frecs {
		var f Folder
		if err := json.Unmarshal(r.Data, &f); err != nil {
			s.log.Warn("skipping unreadable folder record", "id", r.ID, "err", err)
			continue
		}
		f.ID = r.ID
		s.folders[f.ID] = &f
	}

	var ops []store.Op
	for _, id := range slices.Sorted(maps.Keys(s.folders)) {
		f := s.folders[id]
		if f.ParentID == "" {
			continue
		}
		if _, ok := s.folders[f.ParentID]; !ok || s.onCycleLocked(f.ID) {
			s.log.Warn("reattaching folder to root", "id", f.ID, "parent", f.ParentID)
			f.ParentID = ""
			f.Order = s.nextFolderOrderLocked("", f.ID)
			ops = append(ops, folderOp(f))
		}
	}

	for _, r := range srecs {
		var sn Snippet
		if err := json.Unmarshal(r.Data, &sn); err != nil {
			s.log.Warn("skipping unreadable snippet record", "id", r.ID, "err", err)
			continue
		}
		sn.ID = r.ID
		if _, ok := s.folders[sn.FolderID]; !ok {
			s.log.Warn("skipping orphaned snippet", "id", sn.ID, "folder", sn.FolderID)
			continue
		}
		s.snippets[sn.ID] = &sn
	}

	s.log.Debug("snippets loaded", "folders", len(s.folders), "snippets", len(s.snippets))
	return s.persistLocked(ctx, "load", ops...)
}

// CreateFolder adds a folder under parentID ("" for the root) after its
// existing siblings.
func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, fmt.Errorf("snippets: folder name is empty: %w", apperr.ErrInvalid)
	}
	if err := CheckText("folder name", name); err != nil {
		return Folder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		if _, err := s.folderLocked(parentID); err != nil {
			return Folder{}, err
		}
	}
	f := &Folder{
		ID:       s.journal.NewID(),
		Name:     name,
		ParentID: parentID,
		Order:    s.nextFolderOrderLocked(parentID, ""),
	}
	s.folders[f.ID] = f
	return *f, s.persistLocked(ctx, "create folder", folderOp(f))
}

// CreateSnippet adds a snippet at the end of folderID.
func (s *Store) CreateSnippet(ctx context.Context, title, body, folderID string) (Snippet, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Snippet{}, fmt.Errorf("snippets: snippet title is empty: %w", apperr.ErrInvalid)
	}
	if folderID == "" {
		return Snippet{}, fmt.Errorf("snippets: snippet needs a folder: %w", apperr.ErrInvalid)
	}
	if err := checkSnippet(title, body); err != nil {
		return Snippet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.folderLocked(folderID); err != nil {
		return Snippet{}, err
	}
	sn := &Snippet{
		ID:       s.journal.NewID(),
		Title:    title,
		Body:     body,
		FolderID: folderID,
		Order:    s.nextSnippetOrderLocked(folderID, ""),
	}
	s.snippets[sn.ID] = sn
	return *sn, s.persistLocked(ctx, "create snippet", snippetOp(sn))
}

// Edit replaces a snippet's title and body.
func (s *Store) Edit(ctx context.Context, id, title, body string) (Snippet, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Snippet{}, fmt.Errorf("snippets: snippet title is empty: %w", apperr.ErrInvalid)
	}
	if err := checkSnippet(title, body); err != nil {
		return Snippet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sn, err := s.snippetLocked(id)
	if err != nil {
		return Snippet{}, err
	}
	sn.Title, sn.Body = title, body
	return *sn, s.persistLocked(ctx, "edit", snippetOp(sn))
}

// Use increments a snippet's paste counter.
func (s *Store) Use(ctx context.Context, id string) (Snippet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn, err := s.snippetLocked(id)
	if err != nil {
		return Snippet{}, err
	}
	sn.Uses++
	return *sn, s.persistLocked(ctx, "use", snippetOp(sn))
}

// Move re-parents a folder or snippet, placing it after its new siblings.
// Folders may move to the root (""); snippets need a folder. Moving a
// folder into itself or one of its descendants fails with
// apperr.ErrCycleDetected.
func (s *Store) Move(ctx context.Context, nodeID, newParent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[nodeID]; ok {
		if newParent != "" {
			if _, err := s.folderLocked(newParent); err != nil {
				return err
			}
			for p := newParent; p != ""; p = s.folders[p].ParentID {
				if p == nodeID {
					return fmt.Errorf("snippets: move %q under %q: %w", nodeID, newParent, apperr.ErrCycleDetected)
				}
			}
		}
		if f.ParentID == newParent {
			return nil
		}
		f.ParentID = newParent
		f.Order = s.nextFolderOrderLocked(newParent, f.ID)
		return s.persistLocked(ctx, "move", folderOp(f))
	}

	sn, err := s.snippetLocked(nodeID)
	if err != nil {
		return err
	}
	if newParent == "" {
		return fmt.Errorf("snippets: snippet needs a folder: %w", apperr.ErrInvalid)
	}
	if _, err := s.folderLocked(newParent); err != nil {
		return err
	}
	if sn.FolderID == newParent {
		return nil
	}
	sn.FolderID = newParent
	sn.Order = s.nextSnippetOrderLocked(newParent, sn.ID)
	return s.persistLocked(ctx, "move", snippetOp(sn))
}

// Rename sets a folder's name or a snippet's title.
func (s *Store) Rename(ctx context.Context, nodeID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("snippets: name is empty: %w", apperr.ErrInvalid)
	}
	if err := CheckText("name", name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.folders[nodeID]; ok {
		f.Name = name
		return s.persistLocked(ctx, "rename", folderOp(f))
	}
	sn, err := s.snippetLocked(nodeID)
	if err != nil {
		return err
	}
	sn.Title = name
	return s.persistLocked(ctx, "rename", snippetOp(sn))
}

// Delete removes a snippet, or a folder with everything below it. It
// returns the number of nodes removed.
func (s *Store) Delete(ctx context.Context, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sn, ok := s.snippets[nodeID]; ok {
		delete(s.snippets, sn.ID)
		return 1, s.persistLocked(ctx, "delete", store.DeleteOp(snippetKey(sn.ID)))
	}
	if _, err := s.folderLocked(nodeID); err != nil {
		return 0, err
	}

	doomed := map[string]bool{nodeID: true}
	for changed := true; changed; {
		changed = false
		for _, f := range s.folders {
			if !doomed[f.ID] && doomed[f.ParentID] {
				doomed[f.ID] = true
				changed = true
			}
		}
	}

	var ops []store.Op
	for _, sn := range s.snippets {
		if doomed[sn.FolderID] {
			delete(s.snippets, sn.ID)
			ops = append(ops, store.DeleteOp(snippetKey(sn.ID)))
		}
	}
	for id := range doomed {
		delete(s.folders, id)
		ops = append(ops, store.DeleteOp(folderKey(id)))
	}
	return len(ops), s.persistLocked(ctx, "delete", ops...)
}

// Reorder moves the listed siblings to the front of their group in the
// given order; unlisted siblings follow in their previous order. All ids
// must be folders with the same parent or snippets in the same folder.
func (s *Store) Reorder(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("snippets: reorder lists %q twice: %w", id, apperr.ErrInvalid)
		}
		seen[id] = true
	}

	if f, ok := s.folders[ids[0]]; ok {
		parent := f.ParentID
		for _, id := range ids {
			g, err := s.folderLocked(id)
			if err != nil {
				return err
			}
			if g.ParentID != parent {
				return fmt.Errorf("snippets: reorder %q: not a sibling: %w", id, apperr.ErrInvalid)
			}
		}
		var ops []store.Op
		for i, g := range reorder(s.childFoldersLocked(parent), ids, func(f *Folder) string { return f.ID }) {
			if g.Order != i {
				g.Order = i
				ops = append(ops, folderOp(g))
			}
		}
		return s.persistLocked(ctx, "reorder", ops...)
	}

	first, err := s.snippetLocked(ids[0])
	if err != nil {
		return err
	}
	folder := first.FolderID
	for _, id := range ids {
		sn, err := s.snippetLocked(id)
		if err != nil {
			return err
		}
		if sn.FolderID != folder {
			return fmt.Errorf("snippets: reorder %q: not a sibling: %w", id, apperr.ErrInvalid)
		}
	}
	var ops []store.Op
	for i, sn := range reorder(s.folderSnippetsLocked(folder), ids, func(s *Snippet) string { return s.ID }) {
		if sn.Order != i {
			sn.Order = i
			ops = append(ops, snippetOp(sn))
		}
	}
	return s.persistLocked(ctx, "reorder", ops...)
}

// reorder returns group with the nodes named by ids first, in that order,
// followed by the rest in their current order.
func reorder[T any](group []T, ids []string, idOf func(T) string) []T {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	out := make([]T, 0, len(group))
	rest := make([]T, 0, len(group))
	for _, n := range group {
		if _, ok := pos[idOf(n)]; ok {
			out = append(out, n)
		} else {
			rest = append(rest, n)
		}
	}
	slices.SortStableFunc(out, func(a, b T) int { return cmp.Compare(pos[idOf(a)], pos[idOf(b)]) })
	return append(out, rest...)
}

// Folder returns the folder with id.
func (s *Store) Folder(id string) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folderLocked(id)
	if err != nil {
		return Folder{}, err
	}
	return *f, nil
}

// Snippet returns the snippet with id.
func (s *Store) Snippet(id string) (Snippet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, err := s.snippetLocked(id)
	if err != nil {
		return Snippet{}, err
	}
	return *sn, nil
}

// All returns every snippet in depth-first tree order: for each folder,
// its child folders' snippets come before its own.
func (s *Store) All() []Snippet {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snippet, 0, len(s.snippets))
	var walk func(parent string)
	walk = func(parent string) {
		for _, f := range s.childFoldersLocked(parent) {
			walk(f.ID)
			for _, sn := range s.folderSnippetsLocked(f.ID) {
				out = append(out, *sn)
			}
		}
	}
	walk("")
	return out
}

// Counts returns the number of folders and snippets.
func (s *Store) Counts() (folders, snippets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.folders), len(s.snippets)
}

// Flush retries writes left pending by earlier storage failures.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx, "flush")
}

func (s *Store) folderLocked(id string) (*Folder, error) {
	f, ok := s.folders[id]
	if !ok {
		return nil, fmt.Errorf("snippets: folder %q: %w", id, apperr.ErrNotFound)
	}
	return f, nil
}

func (s *Store) snippetLocked(id string) (*Snippet, error) {
	sn, ok := s.snippets[id]
	if !ok {
		return nil, fmt.Errorf("snippets: snippet %q: %w", id, apperr.ErrNotFound)
	}
	return sn, nil
}

// onCycleLocked reports whether walking up from id revisits a folder.
func (s *Store) onCycleLocked(id string) bool {
	seen := map[string]bool{}
	for p := id; p != ""; {
		if seen[p] {
			return true
		}
		seen[p] = true
		f, ok := s.folders[p]
		if !ok {
			return false
		}
		p = f.ParentID
	}
	return false
}

func (s *Store) childFoldersLocked(parent string) []*Folder {
	var out []*Folder
	for _, f := range s.folders {
		if f.ParentID == parent {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b *Folder) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Store) folderSnippetsLocked(folder string) []*Snippet {
	var out []*Snippet
	for _, sn := range s.snippets {
		if sn.FolderID == folder {
			out = append(out, sn)
		}
	}
	slices.SortFunc(out, func(a, b *Snippet) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Store) nextFolderOrderLocked(parent, except string) int {
	next := 0
	for _, f := range s.folders {
		if f.ParentID == parent && f.ID != except && f.Order >= next {
			next = f.Order + 1
		}
	}
	return next
}

func (s *Store) nextSnippetOrderLocked(folder, except string) int {
	next := 0
	for _, sn := range s.snippets {
		if sn.FolderID == folder && sn.ID != except && sn.Order >= next {
			next = sn.Order + 1
		}
	}
	return next
}

func (s *Store) persistLocked(ctx context.Context, op string, ops ...store.Op) error {
	if err := s.journal.Apply(ctx, ops...); err != nil {
		metrics.StorageErrors.WithLabelValues("snippets").Inc()
		s.log.Warn("snippet write failed, kept pending", "op", op, "pending", s.journal.Pending(), "err", err)
		return apperr.Storage("snippets: "+op, err)
	}
	return nil
}

func folderKey(id string) store.Key  { return store.Key{Kind: store.KindFolder, ID: id} }
func snippetKey(id string) store.Key { return store.Key{Kind: store.KindSnippet, ID: id} }

func folderOp(f *Folder) store.Op {
	data, _ := json.Marshal(f)
	return store.PutOp(store.Record{Key: folderKey(f.ID), Data: data})
}

func snippetOp(sn *Snippet) store.Op {
	data, _ := json.Marshal(sn)
	return store.PutOp(store.Record{Key: snippetKey(sn.ID), Data: data})
}
