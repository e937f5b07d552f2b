package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

type graphOutput struct {
	Order        []string            `json:"order" yaml:"order"`
	Dependencies map[string][]string `json:"dependencies" yaml:"dependencies"`
}

func newGraphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the plugin dependency graph and initialization order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}
			plugins, err := a.loadManifests()
			if err != nil {
				return err
			}
			graph, err := buildGraph(plugins)
			if err != nil {
				return err
			}
			order, err := graph.Resolve()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), a.output, graphOutput{
				Order:        order,
				Dependencies: graph.Graph(),
			})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that every manifest loads and its dependencies resolve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				return err
			}

			var result *multierror.Error
			plugins, err := a.loadManifests()
			if err != nil {
				result = multierror.Append(result, err)
			}
			graph, err := buildGraph(plugins)
			if err != nil {
				result = multierror.Append(result, err)
			}
			for _, name := range graph.Names() {
				if err := graph.ValidatePlugin(name); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if err := result.ErrorOrNil(); err != nil {
				return err
			}

			order, err := graph.Resolve()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d plugins valid, init order: %v\n", len(order), order)
			return nil
		},
	}
}
