// Package watch turns clipboard change signals into history records.
//
// A producer goroutine drains the backend's one-slot Watch mailbox, re-reads
// the clipboard after every signal and drops repeats of the last seen text.
// New texts go through a bounded queue to a single consumer that calls the
// Recorder, so a slow storage write never blocks the backend.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.klb.dev/clipkeep/internal/apperr"
	"go.klb.dev/clipkeep/internal/clip"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/logging"
	"go.klb.dev/clipkeep/internal/metrics"
)

// QueueSize bounds the number of texts waiting to be recorded.
const QueueSize = 16

// Recorder receives each distinct clipboard text.
type Recorder interface {
	Record(ctx context.Context, text string) (history.Entry, error)
}

// Watcher observes a clip.Backend.
type Watcher struct {
	backend clip.Backend
	rec     Recorder
	log     *slog.Logger
	queue   chan string

	mu      sync.Mutex
	last    string
	hasLast bool
}

// New creates a Watcher but does not start it.
func New(backend clip.Backend, rec Recorder, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		backend: backend,
		rec:     rec,
		log:     log.With("component", "watch"),
		queue:   make(chan string, QueueSize),
	}
}

// Suppress marks text as already seen. Call it before writing text to the
// clipboard so the resulting change signal is not recorded again.
func (w *Watcher) Suppress(text string) {
	w.mu.Lock()
	w.last, w.hasLast = text, true
	w.mu.Unlock()
}

// Run primes the last seen value from the current clipboard, then watches
// until ctx is cancelled. Texts already queued are recorded before Run
// returns.
func (w *Watcher) Run(ctx context.Context) {
	if text, err := w.backend.ReadText(); err == nil {
		w.Suppress(text)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(context.WithoutCancel(ctx))
	}()

	w.log.Info("clipboard watcher started", "backend", w.backend.Name())
	defer func() {
		close(w.queue)
		wg.Wait()
		w.log.Info("clipboard watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.backend.Watch():
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	text, err := w.backend.ReadText()
	if errors.Is(err, clip.ErrNotText) {
		metrics.WatchEvents.WithLabelValues(metrics.WatchNotText).Inc()
		w.log.Debug("clipboard change ignored, not text")
		return
	}
	if err != nil {
		metrics.WatchEvents.WithLabelValues(metrics.WatchError).Inc()
		w.log.Warn("clipboard read failed", "err", fmt.Errorf("%w: %v", apperr.ErrClipboardRead, err))
		return
	}

	w.mu.Lock()
	dup := w.hasLast && text == w.last
	w.last, w.hasLast = text, true
	w.mu.Unlock()
	if dup {
		metrics.WatchEvents.WithLabelValues(metrics.WatchDuplicate).Inc()
		return
	}

	select {
	case w.queue <- text:
		metrics.WatchEvents.WithLabelValues(metrics.WatchQueued).Inc()
	case <-ctx.Done():
	}
}

func (w *Watcher) consume(ctx context.Context) {
	for text := range w.queue {
		ent, err := w.rec.Record(ctx, text)
		switch {
		case errors.Is(err, apperr.ErrStorage):
			w.log.Warn("clipboard entry kept in memory only", "id", ent.ID, "err", err)
		case errors.Is(err, apperr.ErrInvalid):
			w.log.Debug("clipboard change ignored, blank text")
		case err != nil:
			w.log.Warn("clipboard entry not recorded", "err", err)
		default:
			w.log.Debug("clipboard entry recorded", "id", ent.ID, "text", logging.Preview(text))
		}
	}
}
