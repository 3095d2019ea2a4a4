// Package clip provides a unified text interface to the system clipboard
// across platforms. Build constraints select the appropriate implementation:
//
//	clip_darwin.go   — macOS via golang.design/x/clipboard + cgo changeCount
//	clip_windows.go  — Windows via golang.design/x/clipboard + AddClipboardFormatListener
//	clip_linux.go    — Linux via golang.design/x/clipboard.Watch
//	clip_other.go    — headless / container stub
//
// memory.go holds an in-process backend for tests and headless runs.
package clip

import (
	"errors"
	"unicode/utf8"
)

// ErrNotText is returned by ReadText when the clipboard is empty or holds
// something other than UTF-8 text.
var ErrNotText = errors.New("clip: clipboard does not hold text")

// Backend is the interface that all platform clipboard implementations satisfy.
type Backend interface {
	// Name returns a human-readable name for the backend.
	Name() string

	// ReadText returns the current clipboard text, or ErrNotText.
	ReadText() (string, error)

	// WriteText replaces the clipboard contents with text.
	WriteText(text string) error

	// Watch returns a channel that receives a signal whenever the clipboard
	// changes. The channel has a single slot and signals are coalesced, so a
	// receiver must call ReadText after each signal. It is never closed.
	Watch() <-chan struct{}

	// Close releases any resources held by the backend.
	Close()
}

// textOf converts a raw clipboard read to text.
func textOf(b []byte) (string, error) {
	if len(b) == 0 || !utf8.Valid(b) {
		return "", ErrNotText
	}
	return string(b), nil
}

// notify performs a non-blocking send into a one-slot mailbox.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
