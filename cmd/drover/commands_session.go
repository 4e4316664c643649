package main

import (
	"github.com/spf13/cobra"
)

// buildSessionCmd creates the "session" command that hosts an interactive
// agent conversation on stdin/stdout.
func buildSessionCmd() *cobra.Command {
	var (
		providerName string
		model        string
	)

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start an interactive agent session",
		Long: `Start an interactive agent session in the configured workspace.

Plain input lines are submitted to the model, which may run workspace tools
(read, write, list, search, command execution) before answering. While the
agent is working you can interject without waiting:

  /steer <message>     inject guidance after the current tool round
  /followup <message>  queue another input for when this one finishes
  /quit                end the session

The transcript is saved to the run store on exit.`,
		Example: `  # Use the config's default provider and model
  drover session

  # Pin a specific route for this session
  drover session --provider openai --model gpt-4o`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, providerName, model)
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "",
		"Provider for this session (default: llm.default_provider)")
	cmd.Flags().StringVar(&model, "model", "",
		"Model for this session (default: the provider's default)")

	return cmd
}

// buildTranscriptCmd creates the "transcript" command that prints a saved
// session conversation from the run store.
func buildTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print a saved session transcript",
		Long: `Print the recorded conversation for a session: user input, steering,
assistant replies, and every tool call with its result. The session id is
printed when a session starts and again when its transcript is saved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscript(cmd, args[0])
		},
	}
}
