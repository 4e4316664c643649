package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/drover/internal/agent"
	"github.com/haasonsaas/drover/internal/config"
	"github.com/haasonsaas/drover/internal/storage"
	"github.com/haasonsaas/drover/internal/workspace"
)

// runSession handles the session command: a line-oriented REPL over an
// agent session. Input is read on its own goroutine so steering commands
// land while a submit is still in flight.
func runSession(cmd *cobra.Command, providerName, model string) error {
	out := cmd.OutOrStdout()

	cfg, logger, err := loadRuntime(configPath)
	if err != nil {
		return err
	}

	metrics, tracer, shutdownTracing := setupObservability(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	client, err := buildClient(cfg, logger, tracer)
	if err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("no providers configured under llm.providers; run `drover config init` to write a starter config")
	}

	store := openStore(cfg, metrics, tracer, logger)
	if store != nil {
		defer store.Close()
	}

	env := workspace.New(cfg.Workspace)
	if err := env.Initialize(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	if providerName == "" {
		providerName = cfg.LLM.DefaultProvider
	}
	if model == "" {
		model = cfg.LLM.DefaultModel
	}
	if model == "" {
		model = cfg.LLM.Providers[providerName].DefaultModel
	}

	profile := agent.NewProfile(providerName, model)
	profile.Registry = agent.NewWorkspaceRegistry(env)
	profile.BuildRegistry = agent.NewWorkspaceRegistry

	sessionCfg := config.EffectiveSessionConfig(cfg.Session)
	sess := agent.NewSession(profile, env, agent.SessionOptions{
		Config:     &sessionCfg,
		Client:     client,
		Logger:     logger,
		Metrics:    metrics,
		Subscriber: sessionPrinter(out),
	})
	defer sess.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	displayModel := model
	if displayModel == "" {
		displayModel = "provider default"
	}
	fmt.Fprintf(out, "session %s (%s, %s) in %s\n", sess.ID(), providerName, displayModel, env.WorkingDirectory())
	fmt.Fprintln(out, "enter a prompt; /steer <msg> interjects, /followup <msg> queues, /quit exits")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	submitDone := make(chan struct{}, 1)
	busy := false
	quitting := false

	prompt := func() { fmt.Fprint(out, "> ") }
	prompt()

	for {
		select {
		case <-ctx.Done():
			sess.Abort()
			if busy {
				<-submitDone
			}
			fmt.Fprintln(out)
			return finishSession(out, logger, sess, store)

		case <-submitDone:
			busy = false
			if quitting || sess.State() == agent.StateClosed {
				return finishSession(out, logger, sess, store)
			}
			prompt()

		case line, ok := <-lines:
			if !ok {
				// stdin closed; stop selecting on the channel and let any
				// in-flight submit finish.
				lines = nil
				if busy {
					quitting = true
					continue
				}
				return finishSession(out, logger, sess, store)
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				if !busy {
					prompt()
				}
			case line == "/quit":
				if busy {
					quitting = true
					sess.Abort()
					continue
				}
				return finishSession(out, logger, sess, store)
			case strings.HasPrefix(line, "/steer"):
				msg := strings.TrimSpace(strings.TrimPrefix(line, "/steer"))
				if msg == "" {
					fmt.Fprintln(out, "usage: /steer <message>")
				} else {
					sess.Steer(msg)
					fmt.Fprintln(out, "(steering queued)")
				}
				if !busy {
					prompt()
				}
			case strings.HasPrefix(line, "/followup"):
				msg := strings.TrimSpace(strings.TrimPrefix(line, "/followup"))
				if msg == "" {
					fmt.Fprintln(out, "usage: /followup <message>")
				} else {
					sess.FollowUp(msg)
					fmt.Fprintln(out, "(follow-up queued)")
				}
				if !busy {
					prompt()
				}
			case strings.HasPrefix(line, "/"):
				fmt.Fprintf(out, "unknown command %s (try /steer, /followup, /quit)\n", line)
				if !busy {
					prompt()
				}
			default:
				if busy {
					fmt.Fprintln(out, "(still working; /steer to interject or /followup to queue)")
					continue
				}
				busy = true
				go func(input string) {
					if err := sess.Submit(ctx, input); err != nil {
						logger.Warn("submit failed", "error", err)
					}
					submitDone <- struct{}{}
				}(line)
			}
		}
	}
}

// finishSession persists the transcript and prints the usage summary.
func finishSession(out io.Writer, logger *slog.Logger, sess *agent.Session, store *storage.Store) error {
	history := sess.History()
	if store != nil && len(history) > 0 {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr := &storage.Transcript{SessionID: sess.ID(), Turns: history}
		if err := store.SaveTranscript(saveCtx, tr); err != nil {
			logger.Warn("transcript save failed", "session_id", sess.ID(), "error", err)
		} else {
			fmt.Fprintf(out, "transcript saved (%d turns)\n", len(history))
		}
	}
	usage := sess.TotalUsage()
	fmt.Fprintf(out, "usage: %d in, %d out, %d total tokens\n", usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
	return nil
}

// sessionPrinter renders session events for the terminal. Tool output and
// reasoning stay off the screen; the transcript has the full record.
func sessionPrinter(out io.Writer) agent.Subscriber {
	return func(ev agent.Event) {
		switch ev.Kind {
		case agent.EventAssistantTextEnd:
			if text, _ := ev.Data["text"].(string); text != "" {
				fmt.Fprintln(out, text)
			}
		case agent.EventToolCallStart:
			fmt.Fprintf(out, "[tool] %v\n", ev.Data["tool_name"])
		case agent.EventToolCallEnd:
			if errMsg, ok := ev.Data["error"].(string); ok {
				fmt.Fprintf(out, "[tool] %v failed: %s\n", ev.Data["tool_name"], firstLineOf(errMsg))
			}
		case agent.EventSteeringInjected:
			fmt.Fprintln(out, "[steered]")
		case agent.EventLoopDetection:
			fmt.Fprintf(out, "[loop] %v\n", ev.Data["message"])
		case agent.EventTurnLimit:
			fmt.Fprintf(out, "[limit] %v\n", ev.Data["reason"])
		case agent.EventWarning:
			fmt.Fprintf(out, "[warn] %v\n", ev.Data["message"])
		case agent.EventError:
			fmt.Fprintf(out, "[error] %v\n", ev.Data["error"])
		case agent.EventSubagentSpawn:
			fmt.Fprintf(out, "[subagent] %v spawned\n", ev.Data["agent_id"])
		case agent.EventSubagentComplete:
			fmt.Fprintf(out, "[subagent] %v finished\n", ev.Data["agent_id"])
		}
	}
}

// runTranscript handles the transcript command.
func runTranscript(cmd *cobra.Command, sessionID string) error {
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

	tr, err := store.GetTranscript(cmd.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no transcript for session %q", sessionID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session %s (%d turns, saved %s)\n",
		tr.SessionID, len(tr.Turns), tr.SavedAt.Local().Format("2006-01-02 15:04:05"))
	for _, turn := range tr.Turns {
		printTurn(out, turn)
	}
	return nil
}

// printTurn renders one history entry of a saved transcript.
func printTurn(out io.Writer, turn agent.Turn) {
	switch turn.Kind {
	case agent.TurnUser:
		fmt.Fprintf(out, "\nuser> %s\n", turn.Text)
	case agent.TurnSteering:
		fmt.Fprintf(out, "\nsteer> %s\n", turn.Text)
	case agent.TurnSystem:
		fmt.Fprintf(out, "\nsystem> %s\n", turn.Text)
	case agent.TurnAssistant:
		if turn.Text != "" {
			fmt.Fprintf(out, "\nagent> %s\n", turn.Text)
		}
		for _, call := range turn.ToolCalls {
			fmt.Fprintf(out, "  [call %s] %s %s\n", call.ID, call.Name, firstLineOf(string(call.Arguments)))
		}
	case agent.TurnToolResults:
		for _, res := range turn.Results {
			tag := "ok"
			if res.IsError {
				tag = "error"
			}
			fmt.Fprintf(out, "  [%s %s] %s\n", tag, res.ToolCallID, firstLineOf(res.Content))
		}
	}
}

// firstLineOf trims a potentially multi-line message to its first line.
func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
