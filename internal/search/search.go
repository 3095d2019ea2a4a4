// Package search filters history entries and snippets by a case-insensitive
// substring. It keeps no state of its own: every Filter call reads a fresh
// snapshot from its sources.
package search

import (
	"fmt"
	"iter"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/snippets"
)

// Scope restricts what Filter looks at.
type Scope string

const (
	ScopeHistory  Scope = "history"
	ScopeSnippets Scope = "snippets"
	ScopeBoth     Scope = "both"
)

// ParseScope accepts history, snippets or both ("" means both).
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(s)) {
	case "", ScopeBoth:
		return ScopeBoth, nil
	case ScopeHistory:
		return ScopeHistory, nil
	case ScopeSnippets:
		return ScopeSnippets, nil
	}
	return "", fmt.Errorf("search: unknown scope %q: %w", s, apperr.ErrInvalid)
}

// Kind tells which source a Match came from.
type Kind string

const (
	KindHistory Kind = "history"
	KindSnippet Kind = "snippet"
)

// Match is a single search hit.
type Match struct {
	Kind     Kind   `json:"kind"`
	ID       string `json:"id"`
	Text     string `json:"text"`
	Title    string `json:"title,omitempty"`
	FolderID string `json:"folder_id,omitempty"`
	Pinned   bool   `json:"pinned,omitempty"`
}

// HistorySource is satisfied by *history.Engine.
type HistorySource interface {
	List(limit, offset int) []history.Entry
}

// SnippetSource is satisfied by *snippets.Store.
type SnippetSource interface {
	All() []snippets.Snippet
}

// Index searches a history source and a snippet source.
type Index struct {
	history  HistorySource
	snippets SnippetSource
}

// New returns an Index over h and s. Either may be nil.
func New(h HistorySource, s SnippetSource) *Index {
	return &Index{history: h, snippets: s}
}

// Filter yields history matches in list order (pinned first, newest first)
// followed by snippet matches in tree order. An empty query matches
// everything in scope. Snippets match on title or body.
func (ix *Index) Filter(query string, scope Scope) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		start := time.Now()
		defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

		// A Caser keeps state and is not safe for concurrent use.
		fold := cases.Fold()
		q := fold.String(query)
		match := func(s string) bool { return q == "" || strings.Contains(fold.String(s), q) }

		if scope != ScopeSnippets && ix.history != nil {
			for _, e := range ix.history.List(0, 0) {
				if !match(e.Text) {
					continue
				}
				if !yield(Match{Kind: KindHistory, ID: e.ID, Text: e.Text, Pinned: e.Pinned}) {
					return
				}
			}
		}
		if scope != ScopeHistory && ix.snippets != nil {
			for _, sn := range ix.snippets.All() {
				if !match(sn.Title) && !match(sn.Body) {
					continue
				}
				if !yield(Match{Kind: KindSnippet, ID: sn.ID, Text: sn.Body, Title: sn.Title, FolderID: sn.FolderID}) {
					return
				}
			}
		}
	}
}

// Take collects at most n matches from seq; n <= 0 collects all.
func Take(seq iter.Seq[Match], n int) []Match {
	out := []Match{}
	for m := range seq {
		out = append(out, m)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}
