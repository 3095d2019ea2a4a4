package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/clip"
	"go.klb.dev/clipkeep/internal/daemon"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/metrics"
	"go.klb.dev/clipkeep/internal/settings"
	"go.klb.dev/clipkeep/internal/snippets"
	"go.klb.dev/clipkeep/internal/store"
	"go.klb.dev/clipkeep/internal/watch"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clipboard daemon",
		Long: `Starts the clipkeep daemon. It records every text copied to the system
clipboard into the history and answers the other clipkeep commands over the
local socket.

Config file search order:
  /etc/clipkeep/clipkeep.toml
  $HOME/.config/clipkeep/clipkeep.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → CLIPKEEP_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, v)
		},
	}

	f := cmd.Flags()
	f.String("db", defaultDBPath(), "database file")
	f.String("storage", "sqlite", "storage backend: sqlite|bolt")
	f.Duration("storage-timeout", 2*time.Second, "deadline for a single storage write")
	f.Int("max-pinned", 0, "maximum number of pinned entries (0 = unlimited)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (empty = disabled)")
	f.Bool("no-clipboard", false, "do not touch the system clipboard (in-memory clipboard only)")
	addSocketFlag(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runDaemon(ctx context.Context, v *viper.Viper) error {
	setupLogging(v)
	log := slog.Default()

	backendName := v.GetString("storage")
	dbPath := v.GetString("db")
	timeout := v.GetDuration("storage-timeout")
	socket := v.GetString("socket")
	if socket == "" {
		socket = ipc.SocketPath()
	}

	st, err := store.Open(backendName, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info("clipkeep starting",
		"version", Version,
		"storage", st.Name(),
		"db", dbPath,
		"socket", socket,
	)

	set := settings.NewManager(store.NewJournal(st, timeout), log)
	if err := set.Load(ctx); err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	hist := history.New(store.NewJournal(st, timeout), history.Options{
		MaxHistory: set.Get().MaxHistory,
		MaxPinned:  v.GetInt("max-pinned"),
		Logger:     log,
	})
	if err := hist.Load(ctx); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	snips := snippets.New(store.NewJournal(st, timeout), log)
	if err := snips.Load(ctx); err != nil {
		return fmt.Errorf("loading snippets: %w", err)
	}

	var backend clip.Backend
	if v.GetBool("no-clipboard") {
		backend = clip.NewMemory()
	} else {
		backend = clip.New()
	}
	defer backend.Close()
	watcher := watch.New(backend, hist, log)

	d := daemon.New(daemon.Deps{
		History:   hist,
		Snippets:  snips,
		Settings:  set,
		Watcher:   watcher,
		Clipboard: backend,
	}, daemon.Options{
		Version: Version,
		Storage: st.Name(),
		Socket:  socket,
		Logger:  log,
	})

	ln, err := ipc.Listen(socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socket, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	if addr := v.GetString("metrics-addr"); addr != "" {
		srv, err := serveMetrics(addr)
		if err != nil {
			ln.Close()
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	serveErr := d.Serve(ctx, ln)
	wg.Wait()

	fctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Flush(fctx); err != nil {
		log.Error("unsaved changes lost at shutdown", "err", err)
	}
	log.Info("clipkeep stopped")
	return serveErr
}

// serveMetrics starts the Prometheus endpoint on addr in the background.
func serveMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", ln.Addr().String())
	return srv, nil
}
