package cli

import (
	"fmt"
	"strings"

	"github.com/soyeahso/porchlight/internal/kv"
	"github.com/soyeahso/porchlight/internal/prefs"
	"github.com/spf13/cobra"
)

func newPrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect site preferences stored beside the chat state",
	}

	cmd.AddCommand(newPrefsAdminNavCmd())
	cmd.AddCommand(newPrefsBlogCmd())

	return cmd
}

func newBlogUploads(store kv.Store) *prefs.BlogUploads {
	return prefs.NewBlogUploads(store, log)
}

func newPrefsAdminNavCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "admin-nav [on|off|toggle]",
		Short:     "Show or change the admin navigation flag",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			nav := prefs.NewAdminNav(db)
			visible := nav.Visible()
			if len(args) == 1 {
				switch strings.ToLower(args[0]) {
				case "on":
					visible, err = true, nav.SetVisible(true)
				case "off":
					visible, err = false, nav.SetVisible(false)
				case "toggle":
					visible, err = nav.Toggle()
				default:
					return fmt.Errorf("expected on, off or toggle, got %q", args[0])
				}
				if err != nil {
					return err
				}
			}

			state := "hidden"
			if visible {
				state = "visible"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin nav: %s\n", state)
			return nil
		},
	}
}

func newPrefsBlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blog",
		Short: "List or remove uploaded blog posts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List uploads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			uploads := newBlogUploads(db).List()
			out := cmd.OutOrStdout()
			if len(uploads) == 0 {
				fmt.Fprintln(out, "(no uploads)")
				return nil
			}
			for _, u := range uploads {
				fmt.Fprintf(out, "%s  %s  %s (%d bytes)  %s\n", u.ID, u.UploadedAt, u.FileName, u.Size, u.Title)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			remaining, err := newBlogUploads(db).Remove(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%d left)\n", args[0], len(remaining))
			return nil
		},
	})

	return cmd
}
