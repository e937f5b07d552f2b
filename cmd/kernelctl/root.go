package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"microkernel/pkg/config"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
)

// app holds the global flags and the configuration loaded from them.
type app struct {
	configPaths []string
	overrides   map[string]string
	output      string
	// logOutput overrides logging.output when set.
	logOutput io.Writer

	cfg     *config.AppConfig
	manager *config.ConfigManager
	logger  *slog.Logger
	closer  io.Closer
}

// load reads the configuration once and builds the logger it describes.
func (a *app) load(ctx context.Context) error {
	if a.manager != nil {
		return nil
	}

	flags := make(map[string]interface{}, len(a.overrides))
	for key, value := range a.overrides {
		flags[key] = value
	}
	cfg, manager, err := config.LoadAppConfig(ctx, config.Options{
		Paths: a.configPaths,
		Flags: flags,
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closer, err := cfg.Logging.NewLogger(a.logOutput)
	if err != nil {
		return err
	}
	manager.SetLogger(logger)

	a.cfg, a.manager, a.logger, a.closer = cfg, manager, logger, closer
	return nil
}

func (a *app) close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "kernelctl",
		Short: "Run and inspect a plugin micro-kernel",
		Long: `kernelctl loads plugin manifests from a directory, resolves their
dependencies and runs them inside a micro-kernel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.output != formatYAML && a.output != formatJSON {
				return fmt.Errorf("unsupported output format: %s", a.output)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringSliceVarP(&a.configPaths, "config", "c", nil, "Configuration files, later ones override earlier ones")
	flags.StringToStringVar(&a.overrides, "set", nil, "Override a configuration key (key=value)")
	flags.StringVarP(&a.output, "output", "o", formatYAML, "Output format (yaml|json)")

	cmd.AddCommand(
		newRunCmd(a),
		newGraphCmd(a),
		newValidateCmd(a),
		newConfigCmd(a),
		newTokenCmd(a),
	)
	return cmd
}

// Execute runs kernelctl until it finishes or receives SIGINT or SIGTERM.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newRootCmd().ExecuteContext(ctx)
}
