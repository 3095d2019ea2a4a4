package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/message"
)

func newStatusCmd() *cobra.Command {
	return newClientCmd("status", "Show daemon status", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			resp, err := c.call(&message.Request{Op: message.OpStatus})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Status)
			}
			st := resp.Status
			tw := c.table()
			fmt.Fprintf(tw, "Version:\t%s\n", st.Version)
			fmt.Fprintf(tw, "Socket:\t%s\n", st.Socket)
			fmt.Fprintf(tw, "Clipboard:\t%s\n", st.Clipboard)
			fmt.Fprintf(tw, "Storage:\t%s\n", st.Storage)
			fmt.Fprintf(tw, "Started:\t%s (%s)\n", st.StartedAt.UTC().Format(time.RFC3339), fmtAge(st.StartedAt))
			fmt.Fprintf(tw, "History:\t%d entries, %d pinned (max %d unpinned)\n", st.Entries, st.Pinned, st.MaxHistory)
			fmt.Fprintf(tw, "Snippets:\t%d in %d folders\n", st.Snippets, st.Folders)
			return tw.Flush()
		})
}
