package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/drover/internal/tools"
	"github.com/haasonsaas/drover/internal/workspace"
)

// SubagentStatus is the lifecycle state of a spawned subagent.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
)

// SpawnOptions parameterizes a subagent spawn.
type SpawnOptions struct {
	Task       string
	WorkingDir string
	Model      string
	MaxTurns   int
}

type subagentEntry struct {
	id      string
	task    string
	session *Session
	done    chan struct{}

	mu      sync.Mutex
	status  SubagentStatus
	result  string
	turns   int
	success bool
}

func (e *subagentEntry) snapshot() (SubagentStatus, string, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.result, e.turns, e.success
}

// Supervisor tracks spawned subagents for one session. Each subagent is a
// child session whose submit runs as a background goroutine; depth is
// bounded so children cannot fan out indefinitely.
type Supervisor struct {
	maxDepth int
	depth    int

	mu     sync.Mutex
	agents map[string]*subagentEntry
}

func newSupervisor(maxDepth, depth int) *Supervisor {
	return &Supervisor{
		maxDepth: maxDepth,
		depth:    depth,
		agents:   make(map[string]*subagentEntry),
	}
}

func (sv *Supervisor) canSpawn() bool {
	return sv.depth < sv.maxDepth
}

func (sv *Supervisor) lookup(id string) (*subagentEntry, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	entry, ok := sv.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown subagent: %s", id)
	}
	return entry, nil
}

// Spawn constructs a child session and starts its submit in the background.
// The returned handle reports status running; Wait observes the final
// result.
func (sv *Supervisor) Spawn(parent *Session, opts SpawnOptions) (map[string]any, error) {
	if !sv.canSpawn() {
		return nil, fmt.Errorf("subagent depth limit reached (depth %d, max %d)", sv.depth, sv.maxDepth)
	}
	if opts.Task == "" {
		return nil, fmt.Errorf("spawn_agent requires a task")
	}

	childEnv := parent.env
	if opts.WorkingDir != "" {
		cfg := parent.env.Config()
		cfg.WorkingDir = opts.WorkingDir
		childEnv = workspace.New(cfg)
		if err := childEnv.Initialize(); err != nil {
			return nil, fmt.Errorf("subagent workspace: %w", err)
		}
	}

	childCfg := parent.configCopy()
	childCfg.subagentDepth = sv.depth + 1
	if opts.MaxTurns > 0 {
		childCfg.MaxTurns = opts.MaxTurns
	}

	child := NewSession(parent.profile.childProfile(childEnv, opts.Model), childEnv, SessionOptions{
		Config:  &childCfg,
		Client:  parent.client,
		Logger:  parent.baseLogger,
		Metrics: parent.metrics,
	})

	entry := &subagentEntry{
		id:      uuid.NewString(),
		task:    opts.Task,
		session: child,
		done:    make(chan struct{}),
		status:  SubagentRunning,
	}
	sv.mu.Lock()
	sv.agents[entry.id] = entry
	sv.mu.Unlock()

	parent.logger.Info("subagent spawned", "agent_id", entry.id, "model", child.profile.Model)
	parent.emitter.Emit(EventSubagentSpawn, map[string]any{
		"agent_id": entry.id,
		"task":     opts.Task,
	})

	go func() {
		err := child.Submit(context.Background(), opts.Task)

		entry.mu.Lock()
		entry.turns = child.countTurns()
		if err != nil {
			entry.result = err.Error()
			entry.success = false
			if entry.status == SubagentRunning {
				entry.status = SubagentFailed
			}
		} else {
			// Model failures are captured inside the child, so a resolved
			// submit may still carry little or no output.
			entry.result = child.assistantText()
			entry.success = true
			if entry.status == SubagentRunning {
				entry.status = SubagentCompleted
			}
		}
		success := entry.success
		entry.mu.Unlock()
		close(entry.done)

		parent.emitter.Emit(EventSubagentComplete, map[string]any{
			"agent_id": entry.id,
			"success":  success,
		})
	}()

	return map[string]any{
		"agent_id": entry.id,
		"status":   string(SubagentRunning),
	}, nil
}

// SendInput steers a running subagent. Errors when the subagent is unknown
// or no longer running.
func (sv *Supervisor) SendInput(id, message string) (map[string]any, error) {
	entry, err := sv.lookup(id)
	if err != nil {
		return nil, err
	}
	status, _, _, _ := entry.snapshot()
	if status != SubagentRunning {
		return nil, fmt.Errorf("subagent %s is not running (status %s)", id, status)
	}
	entry.session.Steer(message)
	return map[string]any{
		"agent_id": id,
		"status":   string(status),
		"message":  "input queued",
	}, nil
}

// Wait blocks until the subagent's background submit resolves, then returns
// the accumulated result.
func (sv *Supervisor) Wait(ctx context.Context, id string) (map[string]any, error) {
	entry, err := sv.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	status, result, turns, success := entry.snapshot()
	return map[string]any{
		"agent_id": id,
		"status":   string(status),
		"result":   result,
		"turns":    turns,
		"success":  success,
	}, nil
}

// CloseAgent aborts the subagent's session and marks it completed.
func (sv *Supervisor) CloseAgent(id string) (map[string]any, error) {
	entry, err := sv.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.session.Abort()
	entry.mu.Lock()
	entry.status = SubagentCompleted
	entry.mu.Unlock()
	return map[string]any{
		"agent_id": id,
		"status":   string(SubagentCompleted),
		"message":  "subagent closed",
	}, nil
}

// closeAll aborts and closes every child session. Called when the parent
// session closes.
func (sv *Supervisor) closeAll() {
	sv.mu.Lock()
	entries := make([]*subagentEntry, 0, len(sv.agents))
	for _, e := range sv.agents {
		entries = append(entries, e)
	}
	sv.mu.Unlock()

	for _, e := range entries {
		e.session.Abort()
		e.session.Close()
		e.mu.Lock()
		if e.status == SubagentRunning {
			e.status = SubagentCompleted
		}
		e.mu.Unlock()
	}
}

func encodeToolJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// registerSubagentTools installs the four supervisor tools into the
// session's registry. Only called when the session's depth allows spawning.
func registerSubagentTools(reg *tools.Registry, s *Session) {
	sv := s.subagents

	reg.Register(tools.Definition{
		Name:        "spawn_agent",
		Description: "Spawn a subagent to work on a task in the background. Returns a handle with agent_id.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "Task for the subagent to perform"},
				"working_dir": {"type": "string", "description": "Working directory for the subagent (defaults to the parent's)"},
				"model": {"type": "string", "description": "Model override for the subagent"},
				"max_turns": {"type": "integer", "description": "Turn budget for the subagent"}
			},
			"required": ["task"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		out, err := sv.Spawn(s, SpawnOptions{
			Task:       argString(args, "task"),
			WorkingDir: argString(args, "working_dir"),
			Model:      argString(args, "model"),
			MaxTurns:   argInt(args, "max_turns"),
		})
		if err != nil {
			return "", err
		}
		return encodeToolJSON(out)
	})

	reg.Register(tools.Definition{
		Name:        "send_input",
		Description: "Send a steering message to a running subagent.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "Handle returned by spawn_agent"},
				"message": {"type": "string", "description": "Message to inject into the subagent's conversation"}
			},
			"required": ["agent_id", "message"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		out, err := sv.SendInput(argString(args, "agent_id"), argString(args, "message"))
		if err != nil {
			return "", err
		}
		return encodeToolJSON(out)
	})

	reg.Register(tools.Definition{
		Name:        "wait",
		Description: "Wait for a subagent to finish and return its result.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "Handle returned by spawn_agent"}
			},
			"required": ["agent_id"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		out, err := sv.Wait(ctx, argString(args, "agent_id"))
		if err != nil {
			return "", err
		}
		return encodeToolJSON(out)
	})

	reg.Register(tools.Definition{
		Name:        "close_agent",
		Description: "Abort a subagent and mark it completed.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "Handle returned by spawn_agent"}
			},
			"required": ["agent_id"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		out, err := sv.CloseAgent(argString(args, "agent_id"))
		if err != nil {
			return "", err
		}
		return encodeToolJSON(out)
	})
}
