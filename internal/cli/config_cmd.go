// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/wellsync/internal/config"
)

// tokenKey is masked by `config get`.
const tokenKey = "api.token"

// NewConfigCommand manages the TOML config file.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Long: `Show or change wellsync configuration.

Keys use dot notation, e.g. "queue.kdf_iterations" or "api.base_url".
Run "wellsync config keys" for the full list.`,
	}
	cmd.AddCommand(
		newConfigShowCommand(opts),
		newConfigGetCommand(opts),
		newConfigSetCommand(opts),
		newConfigResetCommand(opts),
		newConfigKeysCommand(opts),
		newConfigPathCommand(opts),
	)
	return cmd
}

func configPath(opts *RootOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	return config.DefaultPath()
}

// loadFileConfig reads only the file and defaults. Environment overrides
// are left out so `config set` never writes them back to disk.
func loadFileConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config show", func() (any, error) {
				cfg, _, err := loadConfig(opts)
				if err != nil {
					return nil, err
				}
				if !opts.JSON {
					fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
				}
				return cfg.Redacted(), nil
			})
		},
	}
}

func newConfigGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config get", func() (any, error) {
				cfg, _, err := loadConfig(opts)
				if err != nil {
					return nil, err
				}
				val, err := cfg.Redacted().Get(args[0])
				if err != nil {
					return nil, err
				}
				if !opts.JSON {
					fmt.Fprintln(cmd.OutOrStdout(), val)
				}
				return map[string]any{"key": args[0], "value": val}, nil
			})
		},
	}
}

func newConfigSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config set", func() (any, error) {
				path, err := configPath(opts)
				if err != nil {
					return nil, err
				}
				cfg, err := loadFileConfig(path)
				if err != nil {
					return nil, err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return nil, err
				}
				if err := cfg.Validate(); err != nil {
					return nil, err
				}
				if err := config.Save(cfg, path); err != nil {
					return nil, err
				}
				shown := args[1]
				if args[0] == tokenKey {
					shown = "[REDACTED]"
				}
				if !opts.JSON {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("[OK]"), args[0], shown)
				}
				return map[string]string{"key": args[0], "value": shown}, nil
			})
		},
	}
}

func newConfigResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config reset", func() (any, error) {
				path, err := configPath(opts)
				if err != nil {
					return nil, err
				}
				if err := config.Save(config.Default(), path); err != nil {
					return nil, err
				}
				if !opts.JSON {
					fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("[OK]")+" Configuration reset to defaults")
				}
				return map[string]string{"path": path}, nil
			})
		},
	}
}

func newConfigKeysCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List configuration keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config keys", func() (any, error) {
				keys := config.Keys()
				if !opts.JSON {
					for _, k := range keys {
						fmt.Fprintln(cmd.OutOrStdout(), k)
					}
				}
				return keys, nil
			})
		},
	}
}

func newConfigPathCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return OutputJSON(cmd.OutOrStdout(), opts.JSON, "config path", func() (any, error) {
				path, err := configPath(opts)
				if err != nil {
					return nil, err
				}
				_, statErr := os.Stat(path)
				if !opts.JSON {
					fmt.Fprintln(cmd.OutOrStdout(), path)
				}
				return map[string]any{"path": path, "exists": statErr == nil}, nil
			})
		},
	}
}
