package snippets

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/store"
)

// Tree is an ordered, id-free view of the snippet hierarchy. It is the
// unit exchanged with the interchange codec. Snippets only live in folders.
type Tree struct {
	Folders []TreeFolder `json:"folders"`
}

// TreeFolder is a folder with its children in display order.
type TreeFolder struct {
	ID       string        `json:"id,omitempty"`
	Name     string        `json:"name"`
	Folders  []TreeFolder  `json:"folders,omitempty"`
	Snippets []TreeSnippet `json:"snippets,omitempty"`
}

// TreeSnippet is a snippet inside a TreeFolder.
type TreeSnippet struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Mode selects how Import combines a tree with the existing one.
type Mode string

const (
	// ModeMerge reuses same-named folders and renames colliding snippets.
	ModeMerge Mode = "merge"
	// ModeReplace discards the existing tree.
	ModeReplace Mode = "replace"
)

// ParseMode accepts "merge" (the default for "") or "replace".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("snippets: unknown import mode %q: %w", s, apperr.ErrInvalid)
}

// ImportResult summarises an Import.
type ImportResult struct {
	FoldersCreated  int `json:"folders_created"`
	FoldersMerged   int `json:"folders_merged"`
	SnippetsCreated int `json:"snippets_created"`
	SnippetsRenamed int `json:"snippets_renamed"`
	Removed         int `json:"removed,omitempty"`
}

// Tree returns the current hierarchy with ids filled in.
func (s *Store) Tree() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Tree{Folders: s.treeLocked("")}
}

func (s *Store) treeLocked(parent string) []TreeFolder {
	var out []TreeFolder
	for _, f := range s.childFoldersLocked(parent) {
		tf := TreeFolder{ID: f.ID, Name: f.Name, Folders: s.treeLocked(f.ID)}
		for _, sn := range s.folderSnippetsLocked(f.ID) {
			tf.Snippets = append(tf.Snippets, TreeSnippet{ID: sn.ID, Title: sn.Title, Body: sn.Body})
		}
		out = append(out, tf)
	}
	return out
}

// Validate reports the first structural problem in t as apperr.ErrFormat.
func (t Tree) Validate() error {
	var check func(path string, fs []TreeFolder) error
	check = func(path string, fs []TreeFolder) error {
		for _, f := range fs {
			if strings.TrimSpace(f.Name) == "" {
				return fmt.Errorf("folder without a name under %q: %w", path, apperr.ErrFormat)
			}
			p := path + "/" + f.Name
			if err := CheckText("folder name", f.Name); err != nil {
				return fmt.Errorf("%w: %w", apperr.ErrFormat, err)
			}
			for _, sn := range f.Snippets {
				if strings.TrimSpace(sn.Title) == "" {
					return fmt.Errorf("snippet without a title in %q: %w", p, apperr.ErrFormat)
				}
				if err := checkSnippet(sn.Title, sn.Body); err != nil {
					return fmt.Errorf("%w: %w", apperr.ErrFormat, err)
				}
			}
			if err := check(p, f.Folders); err != nil {
				return err
			}
		}
		return nil
	}
	return check("", t.Folders)
}

// Import adds t to the store. In ModeMerge folders are matched by name
// among existing siblings and reused; snippet titles that collide inside a
// folder get a " (2)", " (3)", ... suffix. In ModeReplace the existing tree
// is dropped and t written exactly as given, duplicate names included, in a
// single transaction; if that commit fails the store is left exactly as
// before.
func (s *Store) Import(ctx context.Context, t Tree, mode Mode) (ImportResult, error) {
	if err := t.Validate(); err != nil {
		return ImportResult{}, fmt.Errorf("snippets: import: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case ModeReplace:
		return s.replaceLocked(ctx, t)
	case ModeMerge, "":
		var res ImportResult
		var ops []store.Op
		s.mergeLocked("", t.Folders, &res, &ops)
		return res, s.persistLocked(ctx, "import", ops...)
	default:
		return ImportResult{}, fmt.Errorf("snippets: unknown import mode %q: %w", mode, apperr.ErrInvalid)
	}
}

func (s *Store) mergeLocked(parent string, fs []TreeFolder, res *ImportResult, ops *[]store.Op) {
	for _, tf := range fs {
		name := strings.TrimSpace(tf.Name)
		var f *Folder
		for _, existing := range s.childFoldersLocked(parent) {
			if existing.Name == name {
				f = existing
				break
			}
		}
		if f != nil {
			res.FoldersMerged++
		} else {
			f = &Folder{
				ID:       s.journal.NewID(),
				Name:     name,
				ParentID: parent,
				Order:    s.nextFolderOrderLocked(parent, ""),
			}
			s.folders[f.ID] = f
			*ops = append(*ops, folderOp(f))
			res.FoldersCreated++
		}

		taken := make(map[string]bool)
		for _, sn := range s.folderSnippetsLocked(f.ID) {
			taken[sn.Title] = true
		}
		for _, ts := range tf.Snippets {
			title := strings.TrimSpace(ts.Title)
			if taken[title] {
				title = uniqueTitle(title, taken)
				res.SnippetsRenamed++
			}
			taken[title] = true
			sn := &Snippet{
				ID:       s.journal.NewID(),
				Title:    title,
				Body:     ts.Body,
				FolderID: f.ID,
				Order:    s.nextSnippetOrderLocked(f.ID, ""),
			}
			s.snippets[sn.ID] = sn
			*ops = append(*ops, snippetOp(sn))
			res.SnippetsCreated++
		}

		s.mergeLocked(f.ID, tf.Folders, res, ops)
	}
}

// buildLocked creates every folder and snippet of fs under parent in the
// given order, without matching names.
func (s *Store) buildLocked(parent string, fs []TreeFolder, res *ImportResult, ops *[]store.Op) {
	for i, tf := range fs {
		f := &Folder{
			ID:       s.journal.NewID(),
			Name:     strings.TrimSpace(tf.Name),
			ParentID: parent,
			Order:    i,
		}
		s.folders[f.ID] = f
		*ops = append(*ops, folderOp(f))
		res.FoldersCreated++

		for j, ts := range tf.Snippets {
			sn := &Snippet{
				ID:       s.journal.NewID(),
				Title:    strings.TrimSpace(ts.Title),
				Body:     ts.Body,
				FolderID: f.ID,
				Order:    j,
			}
			s.snippets[sn.ID] = sn
			*ops = append(*ops, snippetOp(sn))
			res.SnippetsCreated++
		}

		s.buildLocked(f.ID, tf.Folders, res, ops)
	}
}

func uniqueTitle(title string, taken map[string]bool) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", title, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (s *Store) replaceLocked(ctx context.Context, t Tree) (ImportResult, error) {
	oldFolders := maps.Clone(s.folders)
	oldSnippets := maps.Clone(s.snippets)

	var ops []store.Op
	for id := range s.snippets {
		ops = append(ops, store.DeleteOp(snippetKey(id)))
	}
	for id := range s.folders {
		ops = append(ops, store.DeleteOp(folderKey(id)))
	}
	res := ImportResult{Removed: len(ops)}

	s.folders = make(map[string]*Folder)
	s.snippets = make(map[string]*Snippet)
	s.buildLocked("", t.Folders, &res, &ops)

	if err := s.journal.ApplyAtomic(ctx, ops...); err != nil {
		s.folders, s.snippets = oldFolders, oldSnippets
		metrics.StorageErrors.WithLabelValues("snippets").Inc()
		s.log.Warn("replace import failed, tree restored", "err", err)
		return ImportResult{}, apperr.Storage("snippets: replace", err)
	}
	return res, nil
}
