package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/logging"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/wire"
)

const callTimeout = 30 * time.Second

// clientCmd is a command that sends requests to the daemon.
type clientCmd struct {
	cmd *cobra.Command
	v   *viper.Viper
}

// newClientCmd builds a command with the flags shared by every daemon
// client: --config, --socket and --json.
func newClientCmd(use, short string, args cobra.PositionalArgs, run func(c *clientCmd, args []string) error) *cobra.Command {
	c := &clientCmd{v: viper.New()}
	c.cmd = &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    args,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, c.v) },
		RunE:    func(_ *cobra.Command, args []string) error { return run(c, args) },
	}
	f := c.cmd.Flags()
	f.Bool("json", false, "output raw JSON")
	addSocketFlag(c.cmd)
	addConfigFlag(c.cmd)
	return c.cmd
}

func (c *clientCmd) socket() string {
	if s := c.v.GetString("socket"); s != "" {
		return s
	}
	return ipc.SocketPath()
}

// call sends req to the daemon and returns its response. A failed response
// is returned as the equivalent apperr error; a persistence warning is
// logged and otherwise ignored.
func (c *clientCmd) call(req *message.Request) (*message.Response, error) {
	ctx, cancel := context.WithTimeout(c.cmd.Context(), callTimeout)
	defer cancel()

	path := c.socket()
	conn, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("clipkeep daemon not reachable at %s (start it with \"clipkeep run\"): %w", path, err)
	}
	wc := wire.New(conn)
	defer wc.Close()
	if deadline, ok := ctx.Deadline(); ok {
		wc.SetReadDeadline(time.Until(deadline))
	}

	if err := wc.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("%s: send: %w", req.Op, err)
	}
	resp, err := wc.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("%s: receive: %w", req.Op, err)
	}
	if resp.Warning != "" {
		slog.Warn("daemon could not save the change yet; it will retry", "op", req.Op, "warning", resp.Warning)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *clientCmd) out() io.Writer { return c.cmd.OutOrStdout() }

func (c *clientCmd) jsonOut() bool { return c.v.GetBool("json") }

// printJSON writes v indented, as "--json" output.
func (c *clientCmd) printJSON(v any) error {
	enc := json.NewEncoder(c.out())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table returns a tabwriter on the command's output.
func (c *clientCmd) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out(), 1, 0, 2, ' ', 0)
}

// oneLine squashes text to a single line preview for tables.
func oneLine(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 {
		return text
	}
	return logging.Truncate(text, n)
}

func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	if age < 24*time.Hour {
		return t.Format("15:04:05")
	}
	return t.Format("2006-01-02")
}
