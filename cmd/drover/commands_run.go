package main

import (
	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command that executes a pipeline graph.
func buildRunCmd() *cobra.Command {
	var (
		logsRoot           string
		contextPairs       []string
		varPairs           []string
		resume             bool
		checkpointInterval int
	)

	cmd := &cobra.Command{
		Use:   "run <graph.dot>",
		Short: "Execute a pipeline graph",
		Long: `Execute a DOT pipeline graph to completion.

The graph is validated first; ERROR findings abort before any stage runs.
Each stage writes its artifacts (prompt, response, status) under the run's
logs directory, and a checkpoint is saved as stages complete so an
interrupted run can be resumed with --resume.

Codergen stages need at least one provider configured under llm.providers;
tool stages run commands in the configured workspace.`,
		Example: `  # Run a pipeline with the default config
  drover run build.dot

  # Seed the pipeline context and substitute graph variables
  drover run build.dot --context branch=main --var target=linux

  # Resume an interrupted run from its checkpoint
  drover run build.dot --resume --logs-root logs/run_20250114_093012`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], runFlags{
				logsRoot:           logsRoot,
				contextPairs:       contextPairs,
				varPairs:           varPairs,
				resume:             resume,
				checkpointInterval: checkpointInterval,
			})
		},
	}

	cmd.Flags().StringVar(&logsRoot, "logs-root", "",
		"Run artifact directory (default: <pipeline.logs_root>/run_<timestamp>)")
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil,
		"Seed pipeline context entry as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&varPairs, "var", nil,
		"Substitute $name placeholders in the graph source as name=value (repeatable)")
	cmd.Flags().BoolVar(&resume, "resume", false,
		"Resume from the checkpoint in --logs-root instead of starting fresh")
	cmd.Flags().IntVar(&checkpointInterval, "checkpoint-interval", 0,
		"Save the checkpoint every Nth completed stage (0 uses the config value)")

	return cmd
}

// buildValidateCmd creates the "validate" command that lints a graph
// without executing it.
func buildValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph.dot>",
		Short: "Lint a pipeline graph without running it",
		Long: `Parse and validate a DOT pipeline graph.

All findings are printed; the command exits non-zero when any finding has
ERROR severity. WARNING findings do not fail validation.`,
		Example: `  drover validate build.dot`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
	return cmd
}
