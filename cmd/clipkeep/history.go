package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/search"
)

const previewWidth = 60

func newListCmd() *cobra.Command {
	cmd := newClientCmd("list", "List clipboard history, pinned entries first", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			resp, err := c.call(&message.Request{
				Op:     message.OpHistoryList,
				Limit:  c.v.GetInt("limit"),
				Offset: c.v.GetInt("offset"),
			})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Entries)
			}
			printEntries(c, resp.Entries)
			return nil
		})
	cmd.Flags().Int("limit", 20, "maximum entries to show (0 = all)")
	cmd.Flags().Int("offset", 0, "entries to skip")
	return cmd
}

func printEntries(c *clientCmd, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(c.out(), "History is empty.")
		return
	}
	tw := c.table()
	fmt.Fprintf(tw, "\tID\tCOPIED\tUSES\tTEXT\n")
	for _, e := range entries {
		marker := ""
		if e.Pinned {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", marker, e.ID, fmtAge(e.CreatedAt), e.Uses, oneLine(e.Text, previewWidth))
	}
	_ = tw.Flush()
}

func newSearchCmd() *cobra.Command {
	cmd := newClientCmd("search QUERY", "Search history and snippets (case-insensitive)", cobra.MaximumNArgs(1),
		func(c *clientCmd, args []string) error {
			var query string
			if len(args) == 1 {
				query = args[0]
			}
			resp, err := c.call(&message.Request{
				Op:    message.OpSearch,
				Query: query,
				Scope: c.v.GetString("scope"),
				Limit: c.v.GetInt("limit"),
			})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Matches)
			}
			printMatches(c, resp.Matches)
			return nil
		})
	cmd.Flags().String("scope", "both", "where to search: history|snippets|both")
	cmd.Flags().Int("limit", 0, "maximum matches (0 = all)")
	return cmd
}

func printMatches(c *clientCmd, matches []search.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(c.out(), "No matches.")
		return
	}
	tw := c.table()
	fmt.Fprintf(tw, "KIND\tID\tTITLE\tTEXT\n")
	for _, m := range matches {
		title := m.Title
		if m.Kind == search.KindHistory {
			title = "-"
			if m.Pinned {
				title = "(pinned)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Kind, m.ID, title, oneLine(m.Text, previewWidth))
	}
	_ = tw.Flush()
}

func newCopyCmd() *cobra.Command {
	return newClientCmd("copy", "Record stdin as a history entry", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			data, err := io.ReadAll(c.cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			if len(data) == 0 {
				return nil
			}
			resp, err := c.call(&message.Request{Op: message.OpHistoryRecord, Text: string(data)})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Entry)
			}
			fmt.Fprintln(c.out(), resp.Entry.ID)
			return nil
		})
}

func newPinCmd(pin bool) *cobra.Command {
	use, short, op := "pin ID", "Pin a history entry", message.OpHistoryPin
	if !pin {
		use, short, op = "unpin ID", "Unpin a history entry", message.OpHistoryUnpin
	}
	return newClientCmd(use, short, cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			resp, err := c.call(&message.Request{Op: op, ID: args[0]})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Entry)
			}
			return nil
		})
}

func newRmCmd() *cobra.Command {
	return newClientCmd("rm ID...", "Remove history entries", cobra.MinimumNArgs(1),
		func(c *clientCmd, args []string) error {
			for _, id := range args {
				if _, err := c.call(&message.Request{Op: message.OpHistoryRemove, ID: id}); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		})
}

func newClearCmd() *cobra.Command {
	return newClientCmd("clear", "Remove all unpinned history entries", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			resp, err := c.call(&message.Request{Op: message.OpHistoryClear})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(map[string]int{"removed": resp.Count})
			}
			fmt.Fprintf(c.out(), "Removed %d %s.\n", resp.Count, plural(resp.Count, "entry", "entries"))
			return nil
		})
}

func newPasteCmd() *cobra.Command {
	return newClientCmd("paste ID", "Put a history entry or snippet on the clipboard", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			resp, err := c.call(&message.Request{Op: message.OpPaste, ID: args[0]})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				if resp.Snippet != nil {
					return c.printJSON(resp.Snippet)
				}
				return c.printJSON(resp.Entry)
			}
			return nil
		})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// readBody returns text, or stdin when text is "-".
func readBody(c *clientCmd, text string) (string, error) {
	if text != "-" {
		return text, nil
	}
	data, err := io.ReadAll(c.cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}
