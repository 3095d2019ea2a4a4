package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := newClientCmd("settings", "Show the persisted settings", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			resp, err := c.call(&message.Request{Op: message.OpSettingsGet})
			if err != nil {
				return err
			}
			return printSettings(c, resp.Settings)
		})
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	cmd := newClientCmd("set", "Change settings", cobra.NoArgs,
		func(c *clientCmd, _ []string) error {
			var p settings.Patch
			str := func(flag string, dst **string) {
				if c.cmd.Flags().Changed(flag) {
					s := c.v.GetString(flag)
					*dst = &s
				}
			}
			str("hotkey", &p.Hotkey)
			str("history-hotkey", &p.HistoryHotkey)
			str("snippets-hotkey", &p.SnippetsHotkey)
			str("editor-hotkey", &p.EditorHotkey)
			if c.cmd.Flags().Changed("max-history") {
				n := c.v.GetInt("max-history")
				p.MaxHistory = &n
			}
			if c.cmd.Flags().Changed("theme") {
				t := settings.Theme(c.v.GetString("theme"))
				p.Theme = &t
			}

			resp, err := c.call(&message.Request{Op: message.OpSettingsSet, Settings: &p})
			if err != nil {
				return err
			}
			return printSettings(c, resp.Settings)
		})
	f := cmd.Flags()
	f.String("hotkey", "", "popup hotkey, e.g. ctrl+shift+v")
	f.String("history-hotkey", "", "history menu hotkey")
	f.String("snippets-hotkey", "", "snippets menu hotkey")
	f.String("editor-hotkey", "", "snippet editor hotkey")
	f.Int("max-history", 0, "maximum number of unpinned history entries")
	f.String("theme", "", "light|dark")
	return cmd
}

func printSettings(c *clientCmd, s *settings.Settings) error {
	if c.jsonOut() {
		return c.printJSON(s)
	}
	tw := c.table()
	fmt.Fprintf(tw, "Hotkey:\t%s\n", s.Hotkey)
	fmt.Fprintf(tw, "History hotkey:\t%s\n", s.HistoryHotkey)
	fmt.Fprintf(tw, "Snippets hotkey:\t%s\n", s.SnippetsHotkey)
	fmt.Fprintf(tw, "Editor hotkey:\t%s\n", s.EditorHotkey)
	fmt.Fprintf(tw, "Max history:\t%d\n", s.MaxHistory)
	fmt.Fprintf(tw, "Theme:\t%s\n", s.Theme)
	return tw.Flush()
}
