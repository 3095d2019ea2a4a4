//go:build linux

package clip

import (
	"context"
	"log/slog"

	"golang.design/x/clipboard"
)

type linuxBackend struct {
	watchCh chan struct{}
	cancel  context.CancelFunc
}

// New returns the Linux clipboard backend, or a headless no-op backend if
// the display environment is unavailable (e.g. a headless server without X11
// or Wayland). clipboard.Init is called here rather than in init() so that
// CLI sub-commands that only talk to the daemon don't trigger the warning.
func New() Backend {
	if err := clipboard.Init(); err != nil {
		slog.Warn("clipboard unavailable, running headless", "err", err)
		return newHeadless()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &linuxBackend{
		watchCh: make(chan struct{}, 1),
		cancel:  cancel,
	}
	go b.forward(clipboard.Watch(ctx, clipboard.FmtText))
	return b
}

func (b *linuxBackend) Name() string { return "Linux clipboard" }

// forward turns the library's change stream into mailbox signals. The
// payload is dropped; the consumer re-reads so it always sees the latest.
func (b *linuxBackend) forward(changes <-chan []byte) {
	for range changes {
		notify(b.watchCh)
	}
}

func (b *linuxBackend) ReadText() (string, error) {
	return textOf(clipboard.Read(clipboard.FmtText))
}

func (b *linuxBackend) WriteText(text string) error {
	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

func (b *linuxBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *linuxBackend) Close()                 { b.cancel() }
