package main

import (
	"github.com/spf13/cobra"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(buildConfigInitCmd(), buildConfigSchemaCmd())
	return cmd
}

// buildConfigInitCmd creates the "config init" command that writes a
// starter configuration file.
func buildConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a commented starter configuration to the --config path.

Credentials are referenced as ${ENV_VAR} placeholders so the file can be
committed without secrets; set the variables in the environment or a .env
file next to it.`,
		Example: `  drover config init
  drover config init --config /etc/drover/drover.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// buildConfigSchemaCmd creates the "config schema" command that prints the
// JSON Schema for the configuration file.
func buildConfigSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Long: `Print the JSON Schema describing the configuration file format.

Point your editor's YAML language server at the output for completion and
validation while editing drover.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
	return cmd
}

// buildRunsCmd creates the "runs" command that lists recorded pipeline
// runs and shows per-run stage detail.
func buildRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded pipeline runs",
		Long: `List runs recorded in the run store, newest first.

With a run ID argument, show that run's stage-by-stage record instead. IDs
may be abbreviated to any unique prefix of the listing output.`,
		Example: `  # Recent runs
  drover runs

  # One run's stages
  drover runs 3f2a91c4`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runRunsShow(cmd, args[0])
			}
			return runRunsList(cmd, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")

	return cmd
}
