package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/drover/internal/tools"
	"github.com/haasonsaas/drover/internal/workspace"
)

// NewWorkspaceRegistry returns a registry preloaded with the standard
// workspace tool set bound to the given environment.
func NewWorkspaceRegistry(env *workspace.Workspace) *tools.Registry {
	reg := tools.NewRegistry()
	RegisterWorkspaceTools(reg, env)
	return reg
}

// RegisterWorkspaceTools registers the file, command, and search tools that
// give the model access to the execution environment.
func RegisterWorkspaceTools(reg *tools.Registry, env *workspace.Workspace) {
	reg.Register(tools.Definition{
		Name:        "read_file",
		Description: "Read a file. Supply offset and limit to read a slice of lines (1-based).",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Path to the file, relative to the working directory or absolute."},
				"offset": {"type": "integer", "description": "1-based first line to read."},
				"limit": {"type": "integer", "description": "Maximum number of lines to read."}
			},
			"required": ["file_path"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return env.ReadFile(argString(args, "file_path"), argInt(args, "offset"), argInt(args, "limit"))
	})

	reg.Register(tools.Definition{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Path to write."},
				"content": {"type": "string", "description": "Full file content."}
			},
			"required": ["file_path", "content"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		path := argString(args, "file_path")
		content := argString(args, "content")
		if err := env.WriteFile(path, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
	})

	reg.Register(tools.Definition{
		Name:        "file_exists",
		Description: "Check whether a path exists.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Path to check."}
			},
			"required": ["file_path"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		if env.FileExists(argString(args, "file_path")) {
			return "true", nil
		}
		return "false", nil
	})

	reg.Register(tools.Definition{
		Name:        "list_directory",
		Description: "List directory entries. Depth greater than 1 recurses, prefixing nested names with their parent path.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory to list. Defaults to the working directory."},
				"depth": {"type": "integer", "description": "Levels to descend. Default 1."}
			}
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		entries, err := env.ListDirectory(argString(args, "path"), argInt(args, "depth"))
		if err != nil {
			return "", err
		}
		payload, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode listing: %w", err)
		}
		return string(payload), nil
	})

	reg.Register(tools.Definition{
		Name:        "exec_command",
		Description: "Run a shell command in the workspace and return its output, exit code, and timing.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to run."},
				"timeout_ms": {"type": "integer", "description": "Timeout in milliseconds. Defaults to the session command timeout."},
				"cwd": {"type": "string", "description": "Working directory for the command."},
				"env": {"type": "object", "description": "Extra environment variables."}
			},
			"required": ["command"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		timeout := time.Duration(argInt(args, "timeout_ms")) * time.Millisecond
		extraEnv := argStringMap(args, "env")
		res := env.ExecCommand(ctx, argString(args, "command"), timeout, argString(args, "cwd"), extraEnv)
		payload, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(payload), nil
	})

	reg.Register(tools.Definition{
		Name:        "grep",
		Description: "Search file contents for a regular expression. Returns path:line:text rows.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regular expression to search for."},
				"path": {"type": "string", "description": "File or directory to search. Defaults to the working directory."},
				"case_insensitive": {"type": "boolean", "description": "Ignore case when matching."},
				"max_results": {"type": "integer", "description": "Stop after this many matching lines."},
				"glob_filter": {"type": "string", "description": "Only search files whose name matches this glob, e.g. *.go."}
			},
			"required": ["pattern"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return env.Grep(argString(args, "pattern"), argString(args, "path"), workspace.GrepOptions{
			CaseInsensitive: argBool(args, "case_insensitive"),
			MaxResults:      argInt(args, "max_results"),
			GlobFilter:      argString(args, "glob_filter"),
		})
	})

	reg.Register(tools.Definition{
		Name:        "glob",
		Description: "Find files matching a glob pattern, newest first. Supports ** recursion.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern, e.g. **/*.go."},
				"path": {"type": "string", "description": "Base directory. Defaults to the working directory."}
			},
			"required": ["pattern"]
		}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		paths, err := env.Glob(argString(args, "pattern"), argString(args, "path"))
		if err != nil {
			return "", err
		}
		if len(paths) == 0 {
			return "No files found.", nil
		}
		return strings.Join(paths, "\n"), nil
	})
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func argBool(args map[string]any, key string) bool {
	v, ok := args[key].(bool)
	return ok && v
}

func argStringMap(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
