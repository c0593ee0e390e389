package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/soyeahso/porchlight/internal/config"
	"github.com/soyeahso/porchlight/internal/kv"
	"github.com/soyeahso/porchlight/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show porchlight status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Porchlight %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:    %s\n", paths.Logs)
			fmt.Fprintln(out)

			if cfgErr != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", cfgErr)
				return nil
			}

			for _, o := range config.ActiveEnvOverrides() {
				fmt.Fprintf(out, "Env:     %s overrides %s\n", o.Var, o.Path)
			}

			sess := config.ResolveSession(cfg, "", "", "")
			fmt.Fprintf(out, "Mode:    %s (%s)\n", sess.Mode, sess.ModeSource)
			fmt.Fprintf(out, "Visitor: %s\n", cfg.Chat.VisitorURL)
			fmt.Fprintf(out, "Admin:   %s\n", cfg.Chat.AdminURL)
			fmt.Fprintf(out, "Retry:   base=%dms max=%dms cap=%d handshake=%dms\n",
				cfg.Reconnect.BaseDelayMs, cfg.Reconnect.MaxDelayMs,
				cfg.Reconnect.MaxAttempt, cfg.Reconnect.HandshakeTimeoutMs)

			switch cfg.Storage.Driver {
			case "memory":
				fmt.Fprintln(out, "Storage: memory (nothing persists)")
			default:
				fmt.Fprintf(out, "Storage: %s %s\n", cfg.Storage.Driver, paths.DatabasePath(cfg.Storage))
			}

			switch {
			case sess.Token == "":
				fmt.Fprintln(out, "Token:   (not set)")
			default:
				if info, ok := config.InspectToken(sess.Token); ok {
					fmt.Fprintf(out, "Token:   jwt sub=%q iss=%q %s (%s)\n",
						info.Subject, info.Issuer, describeExpiry(info, time.Now()), sess.TokenSource)
				} else {
					fmt.Fprintf(out, "Token:   opaque, %d chars (%s)\n", len(sess.Token), sess.TokenSource)
				}
			}

			hookCount := len(cfg.Hooks.MessageReceived) + len(cfg.Hooks.MessageSending) +
				len(cfg.Hooks.StatusChanged) + len(cfg.Hooks.ErrorReceived)
			fmt.Fprintf(out, "Hooks:   %d command(s)\n", hookCount)

			if h, err := openStore(); err != nil {
				fmt.Fprintf(out, "Store:   error opening: %v\n", err)
			} else {
				printStore(out, h)
				fmt.Fprintf(out, "Blog:    %d upload(s)\n", len(newBlogUploads(h).List()))
				h.Close()
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

func describeExpiry(info config.TokenInfo, now time.Time) string {
	switch {
	case info.ExpiresAt.IsZero():
		return "no expiry"
	case info.Expired(now):
		return "EXPIRED " + info.ExpiresAt.Format(time.RFC3339)
	}
	return "expires " + info.ExpiresAt.Format(time.RFC3339)
}

// printStore reports schema version and stored keys for a sqlite store.
func printStore(w io.Writer, h *kv.Handle) {
	if h.DB == nil {
		return
	}
	if v, err := h.DB.SchemaVersion(); err == nil {
		fmt.Fprintf(w, "Schema:  v%d\n", v)
	}
	s, ok := h.Store.(*kv.SQLite)
	if !ok {
		return
	}
	keys, err := s.Keys()
	if err != nil {
		fmt.Fprintf(w, "Keys:    error: %v\n", err)
		return
	}
	if len(keys) == 0 {
		fmt.Fprintln(w, "Keys:    (none)")
		return
	}
	fmt.Fprintf(w, "Keys:    %s\n", strings.Join(keys, ", "))
}
