package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/snippets"
)

func newSnippetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snippet",
		Aliases: []string{"snippets", "sn"},
		Short:   "Manage snippet folders and snippets",
	}
	cmd.AddCommand(
		newFolderCmd(),
		newSnippetAddCmd(),
		newSnippetEditCmd(),
		newNodeMoveCmd(),
		newNodeRenameCmd(),
		newNodeRmCmd(),
		newNodeReorderCmd(),
		newTreeCmd(),
	)
	return cmd
}

func newFolderCmd() *cobra.Command {
	cmd := newClientCmd("folder NAME", "Create a folder", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			resp, err := c.call(&message.Request{
				Op:     message.OpFolderCreate,
				Name:   args[0],
				Parent: c.v.GetString("parent"),
			})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Folder)
			}
			fmt.Fprintln(c.out(), resp.Folder.ID)
			return nil
		})
	cmd.Flags().String("parent", "", "parent folder id (default: top level)")
	return cmd
}

func newSnippetAddCmd() *cobra.Command {
	cmd := newClientCmd("add TITLE", "Create a snippet (body from --body or stdin)", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			body := "-"
			if c.cmd.Flags().Changed("body") {
				body = c.v.GetString("body")
			}
			body, err := readBody(c, body)
			if err != nil {
				return err
			}
			resp, err := c.call(&message.Request{
				Op:     message.OpSnippetCreate,
				Name:   args[0],
				Body:   &body,
				Parent: c.v.GetString("folder"),
			})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Snippet)
			}
			fmt.Fprintln(c.out(), resp.Snippet.ID)
			return nil
		})
	cmd.Flags().String("folder", "", "folder id (required)")
	cmd.Flags().String("body", "", `snippet body ("-" reads stdin)`)
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}

func newSnippetEditCmd() *cobra.Command {
	cmd := newClientCmd("edit ID", "Change a snippet's title or body", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			req := &message.Request{Op: message.OpSnippetEdit, ID: args[0], Name: c.v.GetString("title")}
			if c.cmd.Flags().Changed("body") {
				body, err := readBody(c, c.v.GetString("body"))
				if err != nil {
					return err
				}
				req.Body = &body
			}
			if req.Name == "" && req.Body == nil {
				return fmt.Errorf("nothing to change: pass --title and/or --body")
			}
			resp, err := c.call(req)
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Snippet)
			}
			return nil
		})
	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("body", "", `new body ("-" reads stdin)`)
	return cmd
}

func newNodeMoveCmd() *cobra.Command {
	cmd := newClientCmd("mv ID", "Move a folder or snippet", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			_, err := c.call(&message.Request{Op: message.OpNodeMove, ID: args[0], Parent: c.v.GetString("parent")})
			return err
		})
	cmd.Flags().String("parent", "", "destination folder id (empty moves a folder to the top level)")
	return cmd
}

func newNodeRenameCmd() *cobra.Command {
	return newClientCmd("rename ID NAME", "Rename a folder or retitle a snippet", cobra.ExactArgs(2),
		func(c *clientCmd, args []string) error {
			_, err := c.call(&message.Request{Op: message.OpNodeRename, ID: args[0], Name: args[1]})
			return err
		})
}

func newNodeRmCmd() *cobra.Command {
	return newClientCmd("rm ID", "Delete a snippet, or a folder and everything in it", cobra.ExactArgs(1),
		func(c *clientCmd, args []string) error {
			resp, err := c.call(&message.Request{Op: message.OpNodeDelete, ID: args[0]})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(map[string]int{"removed": resp.Count})
			}
			fmt.Fprintf(c.out(), "Removed %d %s.\n", resp.Count, plural(resp.Count, "node", "nodes"))
			return nil
		})
}

func newNodeReorderCmd() *cobra.Command {
	return newClientCmd("reorder ID...", "Put siblings first, in the given order", cobra.MinimumNArgs(1),
		func(c *clientCmd, args []string) error {
			_, err := c.call(&message.Request{Op: message.OpNodeReorder, IDs: args})
			return err
		})
}

func newTreeCmd() *cobra.Command {
	return newClientCmd("tree", "Show the snippet tree", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			resp, err := c.call(&message.Request{Op: message.OpSnippetsTree})
			if err != nil {
				return err
			}
			if c.jsonOut() {
				return c.printJSON(resp.Tree)
			}
			if len(resp.Tree.Folders) == 0 {
				fmt.Fprintln(c.out(), "No snippets.")
				return nil
			}
			printTree(c.out(), resp.Tree.Folders, 0)
			return nil
		})
}

func printTree(w io.Writer, folders []snippets.TreeFolder, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range folders {
		fmt.Fprintf(w, "%s%s/  [%s]\n", indent, f.Name, f.ID)
		printTree(w, f.Folders, depth+1)
		for _, sn := range f.Snippets {
			fmt.Fprintf(w, "%s  %s  [%s]  %s\n", indent, sn.Title, sn.ID, oneLine(sn.Body, previewWidth))
		}
	}
}
