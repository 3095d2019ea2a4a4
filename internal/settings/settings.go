// Package settings holds the user's persisted preferences: hotkeys, the
// history cap and the theme. They are user data stored next to history
// and snippets, not daemon configuration.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/store"
)

// Theme is the popup colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Settings is the singleton preferences record.
type Settings struct {
	Hotkey         string `json:"hotkey"`
	HistoryHotkey  string `json:"history_hotkey"`
	SnippetsHotkey string `json:"snippets_hotkey"`
	EditorHotkey   string `json:"editor_hotkey"`
	MaxHistory     int    `json:"max_history"`
	Theme          Theme  `json:"theme"`
}

// Defaults returns the first-run settings.
func Defaults() Settings {
	return Settings{
		Hotkey:         "ctrl+shift+v",
		HistoryHotkey:  "ctrl+shift+h",
		SnippetsHotkey: "ctrl+shift+s",
		EditorHotkey:   "ctrl+shift+e",
		MaxHistory:     100,
		Theme:          ThemeLight,
	}
}

// Normalize validates s and rewrites its hotkeys in canonical form.
func (s *Settings) Normalize() error {
	if s.MaxHistory < 1 {
		return fmt.Errorf("settings: max_history must be at least 1, got %d: %w", s.MaxHistory, apperr.ErrInvalid)
	}
	switch s.Theme {
	case ThemeLight, ThemeDark:
	default:
		return fmt.Errorf("settings: theme must be light or dark, got %q: %w", s.Theme, apperr.ErrInvalid)
	}
	for _, hk := range []*string{&s.Hotkey, &s.HistoryHotkey, &s.SnippetsHotkey, &s.EditorHotkey} {
		combo, err := ParseCombo(*hk)
		if err != nil {
			return err
		}
		*hk = combo
	}
	return nil
}

// Patch is a partial update; nil fields are left alone.
type Patch struct {
	Hotkey         *string `json:"hotkey,omitempty"`
	HistoryHotkey  *string `json:"history_hotkey,omitempty"`
	SnippetsHotkey *string `json:"snippets_hotkey,omitempty"`
	EditorHotkey   *string `json:"editor_hotkey,omitempty"`
	MaxHistory     *int    `json:"max_history,omitempty"`
	Theme          *Theme  `json:"theme,omitempty"`
}

// Apply copies the set fields of p into s.
func (p Patch) Apply(s *Settings) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&s.Hotkey, p.Hotkey)
	set(&s.HistoryHotkey, p.HistoryHotkey)
	set(&s.SnippetsHotkey, p.SnippetsHotkey)
	set(&s.EditorHotkey, p.EditorHotkey)
	if p.MaxHistory != nil {
		s.MaxHistory = *p.MaxHistory
	}
	if p.Theme != nil {
		s.Theme = Theme(strings.ToLower(string(*p.Theme)))
	}
}

var modifiers = []string{"ctrl", "alt", "shift", "super", "cmd", "win", "meta"}

var modifierAliases = map[string]string{
	"control": "ctrl",
	"option":  "alt",
	"command": "cmd",
	"windows": "win",
}

var namedKeys = []string{
	"space", "enter", "return", "tab", "esc", "escape", "backspace", "delete", "insert",
	"home", "end", "pageup", "pagedown", "up", "down", "left", "right",
	"plus", "minus", "comma", "period",
}

// ParseCombo validates a hotkey such as "Ctrl+Shift+V" and returns it in
// canonical form: lower case, modifiers in a fixed order, key last.
func ParseCombo(s string) (string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return "", fmt.Errorf("settings: hotkey %q needs a modifier and a key: %w", s, apperr.ErrInvalid)
	}

	key := strings.TrimSpace(parts[len(parts)-1])
	if !isKey(key) {
		return "", fmt.Errorf("settings: hotkey %q: unknown key %q: %w", s, key, apperr.ErrInvalid)
	}

	seen := make(map[string]bool)
	for _, p := range parts[:len(parts)-1] {
		p = strings.TrimSpace(p)
		if alias, ok := modifierAliases[p]; ok {
			p = alias
		}
		if !slices.Contains(modifiers, p) {
			return "", fmt.Errorf("settings: hotkey %q: unknown modifier %q: %w", s, p, apperr.ErrInvalid)
		}
		if seen[p] {
			return "", fmt.Errorf("settings: hotkey %q repeats %q: %w", s, p, apperr.ErrInvalid)
		}
		seen[p] = true
	}

	var out []string
	for _, m := range modifiers {
		if seen[m] {
			out = append(out, m)
		}
	}
	return strings.Join(append(out, key), "+"), nil
}

func isKey(k string) bool {
	if len(k) == 1 {
		c := k[0]
		return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || strings.IndexByte("`-=[];',./\\", c) >= 0
	}
	if len(k) >= 2 && len(k) <= 3 && k[0] == 'f' {
		var n int
		if _, err := fmt.Sscanf(k[1:], "%d", &n); err == nil && n >= 1 && n <= 24 {
			return true
		}
	}
	return slices.Contains(namedKeys, k)
}

// Manager owns the live Settings and persists every change.
type Manager struct {
	// notifyMu serializes Updates through their subscriber calls, so
	// subscribers see changes in the order they were applied.
	notifyMu sync.Mutex
	mu       sync.Mutex
	cur     Settings
	subs     []func(old, cur Settings)
	journal  *store.Journal
	log      *slog.Logger
}

var settingsKey = store.Key{Kind: store.KindSettings, ID: "settings"}

// NewManager returns a Manager holding Defaults until Load is called.
func NewManager(j *store.Journal, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cur: Defaults(), journal: j, log: log.With("component", "settings")}
}

// Load reads the persisted settings. Missing fields take their defaults;
// an unreadable or invalid record is replaced by Defaults. On first run
// the defaults are written.
func (m *Manager) Load(ctx context.Context) error {
	rec, err := m.journal.Store().Get(ctx, settingsKey)
	first := errors.Is(err, store.ErrNotFound)
	if err != nil && !first {
		return apperr.Storage("settings: load", err)
	}

	s := Defaults()
	if !first {
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			m.log.Warn("settings unreadable, using defaults", "err", err)
			s = Defaults()
		} else if err := s.Normalize(); err != nil {
			m.log.Warn("settings invalid, using defaults", "err", err)
			s = Defaults()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = s
	if first {
		return m.persistLocked(ctx)
	}
	return nil
}

// Get returns the current settings.
func (m *Manager) Get() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// OnChange registers fn to run after every successful Update. Calls are
// made one at a time in update order; fn must not call Update.
func (m *Manager) OnChange(fn func(old, cur Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Update applies fn to a copy of the settings, validates the result and
// persists it. Invalid results fail with apperr.ErrInvalid and change
// nothing. A storage failure keeps the new settings and returns a wrapped
// apperr.ErrStorage.
func (m *Manager) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	old := m.cur
	next := old
	fn(&next)
	if err := next.Normalize(); err != nil {
		m.mu.Unlock()
		return old, err
	}
	m.cur = next
	perr := m.persistLocked(ctx)
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	if next != old {
		for _, sub := range subs {
			sub(old, next)
		}
	}
	return next, perr
}

// Flush retries a write left pending by an earlier storage failure.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.journal.Flush(ctx); err != nil {
		return apperr.Storage("settings: flush", err)
	}
	return nil
}

func (m *Manager) persistLocked(ctx context.Context) error {
	data, _ := json.Marshal(m.cur)
	if err := m.journal.Apply(ctx, store.PutOp(store.Record{Key: settingsKey, Data: data})); err != nil {
		metrics.StorageErrors.WithLabelValues("settings").Inc()
		m.log.Warn("settings write failed, kept pending", "err", err)
		return apperr.Storage("settings: save", err)
	}
	return nil
}
