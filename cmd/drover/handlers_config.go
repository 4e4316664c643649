package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/drover/internal/config"
	"github.com/haasonsaas/drover/internal/storage"
)

// starterConfig is the file written by config init. Every section is
// present so the schema is discoverable without reading docs; optional
// settings ship commented out at their defaults.
const starterConfig = `# drover configuration.
#
# ${VAR} references are expanded from the environment (and .env) at load
# time, and "$include: <path>" pulls in fragment files. Unknown keys are
# rejected. See ` + "`drover config schema`" + ` for the full format.
version: 1

llm:
  default_provider: anthropic
  # requests_per_second: 2       # cap the request rate across providers
  providers:
    anthropic:
      api_key: ${ANTHROPIC_API_KEY}
    # openai:
    #   api_key: ${OPENAI_API_KEY}
    # gemini:
    #   api_key: ${GEMINI_API_KEY}
    # bedrock:
    #   region: us-east-1

session:
  # max_turns: 0                 # 0 means unlimited
  # max_tool_rounds_per_input: 200
  # reasoning_effort: medium     # minimal | low | medium | high
  retry:
    max_retries: 2

pipeline:
  logs_root: logs
  # checkpoint_interval: 1       # save after every Nth completed stage
  # stylesheet: models.yaml

workspace:
  working_dir: .
  env_policy: inherit_core       # inherit_all | inherit_none | inherit_core

storage:
  path: drover.db                # relative paths resolve under logs_root
  # disabled: true

logging:
  level: info                    # debug | info | warn | error
  format: text                   # text | json

metrics:
  enabled: false
  # listen: localhost:9091

# tracing:
#   endpoint: localhost:4317
#   sampling_rate: 1.0
`

// runConfigInit handles the config init command.
func runConfigInit(cmd *cobra.Command, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", configPath)
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

// openRunStore opens the store for read commands, failing loudly instead
// of degrading the way pipeline runs do.
func openRunStore(cfg *config.Config) (*storage.Store, error) {
	if cfg.Storage.Disabled {
		return nil, fmt.Errorf("run store is disabled in the config")
	}
	path := storePath(cfg)
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("no run store at %s (has anything run yet?)", path)
		}
	}
	return storage.Open(path, storage.Options{})
}

// runRunsList handles the runs command without arguments.
func runRunsList(cmd *cobra.Command, limit int) error {
	cfg, _, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	store, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, total, err := store.ListRuns(cmd.Context(), limit, 0)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(run.ID), orDash(run.Name), run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			runDuration(run))
	}
	if total > len(runs) {
		fmt.Fprintf(w, "(%d of %d runs; raise --limit for more)\n", len(runs), total)
	}
	return w.Flush()
}

// runRunsShow handles the runs command with a run ID argument.
func runRunsShow(cmd *cobra.Command, id string) error {
	out := cmd.OutOrStdout()

	cfg, _, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	store, err := openRunStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := resolveRun(cmd, store, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s: %s\n", run.ID, run.Status)
	if run.Name != "" {
		fmt.Fprintf(out, "name: %s\n", run.Name)
	}
	if run.Goal != "" {
		fmt.Fprintf(out, "goal: %s\n", run.Goal)
	}
	fmt.Fprintf(out, "logs: %s\n", run.LogsRoot)
	fmt.Fprintf(out, "started: %s", run.StartedAt.Local().Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "  finished: %s (%s)", run.FinishedAt.Local().Format(time.RFC3339), runDuration(run))
	}
	fmt.Fprintln(out)

	stages, err := store.ListStages(cmd.Context(), run.ID)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		fmt.Fprintln(out, "no stages recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tNODE\tTYPE\tSTATUS\tATTEMPTS\tDETAIL")
	for _, st := range stages {
		detail := st.FailureReason
		if detail == "" {
			detail = st.Notes
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			st.StageIndex, st.NodeID, st.NodeType, st.Status, st.Attempts, orDash(firstLineOf(detail)))
	}
	return w.Flush()
}

// resolveRun fetches a run by exact ID, falling back to unique-prefix
// matching so listing output can be pasted without the full UUID.
func resolveRun(cmd *cobra.Command, store *storage.Store, id string) (*storage.Run, error) {
	run, err := store.GetRun(cmd.Context(), id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	runs, _, err := store.ListRuns(cmd.Context(), 0, 0)
	if err != nil {
		return nil, err
	}
	var matches []*storage.Run
	for _, candidate := range runs {
		if strings.HasPrefix(candidate.ID, id) {
			matches = append(matches, candidate)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no run matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d runs, give more of the ID", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runDuration(run *storage.Run) string {
	if run.FinishedAt.IsZero() {
		return "running"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}
