// Package ipc provides the local socket used by the clipkeep CLI to talk to
// a running daemon.
//
// On Linux and macOS this is a Unix domain socket readable only by its
// owner; on Windows it is the named pipe \\.\pipe\clipkeep.
package ipc

import (
	"context"
	"net"
	"os"
	"time"
)

// SocketPath returns the platform-appropriate path for the IPC socket.
//
//   - $CLIPKEEP_SOCKET when set
//   - Linux:   $XDG_RUNTIME_DIR/clipkeep.sock
//   - macOS:   $TMPDIR/clipkeep.sock
//   - Windows: \\.\pipe\clipkeep
func SocketPath() string {
	if s := os.Getenv("CLIPKEEP_SOCKET"); s != "" {
		return s
	}
	return socketPath()
}

// Listen creates a listener on path. A stale socket left by a crashed run
// is removed first; a socket with a live daemon behind it is an error.
func Listen(path string) (net.Listener, error) {
	return listenIPC(path)
}

// Dial connects to the daemon at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	return dialIPC(ctx, path)
}

// IsRunning reports whether a daemon appears to be listening on path. It
// does a cheap dial-and-close; no data is exchanged.
func IsRunning(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	c, err := dialIPC(ctx, path)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
