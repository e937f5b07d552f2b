package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"microkernel/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the layered configuration",
	}
	cmd.AddCommand(
		newConfigGetCmd(a),
		newConfigListCmd(a),
		newConfigValidateCmd(a),
		newConfigWatchCmd(a),
		newSecretCmd(a),
	)
	return cmd
}

func newConfigGetCmd(a *app) *cobra.Command {
	var showSource bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key or of every key below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			key := args[0]
			value, err := a.manager.Get(key)
			if err != nil {
				return err
			}

			output := map[string]interface{}{key: value}
			if showSource {
				if record, ok := a.manager.Lookup(key); ok {
					output["source"] = record.Source.String()
				}
			}
			return writeOutput(cmd.OutOrStdout(), a.output, output)
		},
	}
	cmd.Flags().BoolVar(&showSource, "source", false, "Also print which source set the value")
	return cmd
}

func newConfigListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), a.output, a.manager.AllSettings())
		},
	}
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newConfigWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [key]",
		Short: "Print configuration changes as the files change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.load(ctx); err != nil {
				return err
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			}

			if err := a.manager.WatchFiles(ctx); err != nil {
				return err
			}
			defer a.manager.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching config changes for %q, press Ctrl+C to stop\n", key)
			for {
				select {
				case <-ctx.Done():
					return nil
				case change := <-a.manager.Watch():
					if key == "" || change.Key == key || strings.HasPrefix(change.Key, key+".") {
						fmt.Fprintf(out, "%s = %v (from %s)\n", change.Key, change.NewValue, change.Source)
					}
				}
			}
		},
	}
}

func newSecretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the configured backend",
	}

	store := func(cmd *cobra.Command) (config.SecretStore, error) {
		if err := a.load(cmd.Context()); err != nil {
			return nil, err
		}
		return config.NewSecretStore(a.cfg.Secrets, a.logger)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				secrets, err := store(cmd)
				if err != nil {
					return err
				}
				if err := secrets.SetSecret(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret %s stored, reference it as %s%s\n",
					args[0], config.SecretPrefix, args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				secrets, err := store(cmd)
				if err != nil {
					return err
				}
				return secrets.DeleteSecret(args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				secrets, err := store(cmd)
				if err != nil {
					return err
				}
				names, err := secrets.ListSecrets()
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), a.output, names)
			},
		},
	)
	return cmd
}
