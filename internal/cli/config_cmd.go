package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/soyeahso/porchlight/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration values",
		Long: `Get or set configuration values by dot path, e.g.

  porchlight config set chat.mode admin
  porchlight config set reconnect.maxDelayMs 30000
  porchlight config get chat`,
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigUnsetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	var effective bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editRaw(args[0], false, func(raw map[string]any, path []string) error {
				val, ok := config.GetValueAtPath(raw, path)
				if !ok && effective {
					val, ok = effectiveValue(path)
				}
				if !ok {
					return fmt.Errorf("key %q not found", args[0])
				}
				return printValue(cmd.OutOrStdout(), val)
			})
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "fall back to the value in effect (defaults and env)")
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := parseValue(args[1])
			err := editRaw(args[0], true, func(raw map[string]any, path []string) error {
				config.SetValueAtPath(raw, path, value)
				return nil
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isSecretKey(args[0]) {
				fmt.Fprintf(out, "Set %s (hidden)\n", args[0])
			} else {
				fmt.Fprintf(out, "Set %s = %v\n", args[0], value)
			}
			warnInvalid(out, args[0])
			return nil
		},
	}
}

func newConfigUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := editRaw(args[0], true, func(raw map[string]any, path []string) error {
				if !config.UnsetValueAtPath(raw, path) {
					return fmt.Errorf("key %q not found", args[0])
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", args[0])
			return nil
		},
	}
}

// editRaw loads the config file as a map, runs fn on the parsed key path
// and saves the result when save is set and fn succeeded.
func editRaw(key string, save bool, fn func(raw map[string]any, path []string) error) error {
	path, err := config.ParseConfigPath(key)
	if err != nil {
		return err
	}
	raw, err := config.LoadRaw(paths.Config)
	if err != nil {
		return err
	}
	if err := fn(raw, path); err != nil {
		return err
	}
	if !save {
		return nil
	}
	return config.SaveRaw(paths.Config, raw)
}

// effectiveValue looks path up in the loaded config, defaults included.
func effectiveValue(path []string) (any, bool) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return config.GetValueAtPath(m, path)
}

func isSecretKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), "token")
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), paths.Config)
		},
	}
}

// warnInvalid reloads the saved file and reports issues under key.
func warnInvalid(w io.Writer, key string) {
	saved, err := config.Load(paths.Config)
	if err != nil {
		fmt.Fprintf(w, "warning: config no longer loads: %v\n", err)
		return
	}
	for _, issue := range config.Validate(&saved) {
		if issue.Path == key || strings.HasPrefix(issue.Path, key+".") {
			fmt.Fprintf(w, "warning: %s: %s\n", issue.Path, issue.Message)
		}
	}
}

// printValue outputs a value in a human-readable format.
func printValue(w io.Writer, v any) error {
	switch val := v.(type) {
	case string:
		fmt.Fprintln(w, val)
	case map[string]any, []any:
		data, err := yaml.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Fprint(w, string(data))
	default:
		fmt.Fprintln(w, val)
	}
	return nil
}

// parseValue interprets a string as a bool, integer or float where it
// parses cleanly, and as a string otherwise.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
