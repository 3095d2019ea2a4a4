package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/message"
)

func newExportCmd() *cobra.Command {
	return newClientCmd("export [FILE]", "Write the snippet tree as an XML document (default: stdout)", cobra.MaximumNArgs(1),
		func(c *clientCmd, args []string) error {
			resp, err := c.call(&message.Request{Op: message.OpExport})
			if err != nil {
				return err
			}
			if len(args) == 0 || args[0] == "-" {
				_, err := io.WriteString(c.out(), resp.Document)
				return err
			}
			if err := os.WriteFile(args[0], []byte(resp.Document), 0o644); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			return nil
		})
}

func newImportCmd() *cobra.Command {
	cmd := newClientCmd("import FILE", `Import snippets from an XML document ("-" reads stdin)`, cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			var (
				doc []byte
				err error
			)
			if args[0] == "-" {
				doc, err = io.ReadAll(c.cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}

			resp, err := c.call(&message.Request{
				Op:       message.OpImport,
				Mode:     c.v.GetString("mode"),
				Document: string(doc),
			})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Import)
			}
			res := resp.Import
			tw := c.table()
			fmt.Fprintf(tw, "Folders created:\t%d\n", res.FoldersCreated)
			fmt.Fprintf(tw, "Folders merged:\t%d\n", res.FoldersMerged)
			fmt.Fprintf(tw, "Snippets created:\t%d\n", res.SnippetsCreated)
			fmt.Fprintf(tw, "Snippets renamed:\t%d\n", res.SnippetsRenamed)
			if res.Removed > 0 {
				fmt.Fprintf(tw, "Nodes replaced:\t%d\n", res.Removed)
			}
			return tw.Flush()
		})
	cmd.Flags().String("mode", "merge", "merge|replace")
	return cmd
}
