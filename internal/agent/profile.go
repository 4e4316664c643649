package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/drover/internal/tools"
	"github.com/haasonsaas/drover/internal/workspace"
)

// DefaultContextWindow is assumed when a profile does not declare one.
const DefaultContextWindow = 200_000

// Profile binds a session to a specific vendor: the model, the tool
// registry, the system-prompt builder, provider options, and feature flags.
type Profile struct {
	// Provider is the registered adapter name (anthropic, openai, gemini,
	// bedrock).
	Provider string

	// Model is the provider-specific model identifier.
	Model string

	// ContextWindow is the model's declared context window in tokens.
	ContextWindow int

	// Registry holds the tools offered to the model.
	Registry *tools.Registry

	// ProviderOptions is passed through to the adapter unchanged.
	ProviderOptions map[string]any

	// SystemPromptFunc overrides the default system prompt builder.
	SystemPromptFunc func(env *workspace.Workspace, projectDocs string) string

	// BuildRegistry constructs the tool registry for a subagent bound to a
	// different workspace. When nil, subagents get the standard workspace
	// tool set.
	BuildRegistry func(env *workspace.Workspace) *tools.Registry

	SupportsReasoning     bool
	SupportsStreaming     bool
	SupportsParallelTools bool
}

// NewProfile creates a profile with a fresh registry and defaulted fields.
func NewProfile(provider, model string) *Profile {
	return &Profile{
		Provider:              provider,
		Model:                 model,
		ContextWindow:         DefaultContextWindow,
		Registry:              tools.NewRegistry(),
		SupportsStreaming:     true,
		SupportsParallelTools: true,
	}
}

// ContextWindowSize returns the declared context window, defaulted when the
// profile does not set one.
func (p *Profile) ContextWindowSize() int {
	if p.ContextWindow > 0 {
		return p.ContextWindow
	}
	return DefaultContextWindow
}

// BuildSystemPrompt renders the system prompt for a request. Project docs,
// when present, are appended under their own heading.
func (p *Profile) BuildSystemPrompt(env *workspace.Workspace, projectDocs string) string {
	if p.SystemPromptFunc != nil {
		return p.SystemPromptFunc(env, projectDocs)
	}
	var b strings.Builder
	b.WriteString("You are a coding agent operating inside a workspace. ")
	b.WriteString("Use the provided tools to inspect and modify files and to run commands. ")
	b.WriteString("Prefer small verifiable steps and report what you changed.\n\n")
	if env != nil {
		fmt.Fprintf(&b, "Working directory: %s\n", env.WorkingDirectory())
		fmt.Fprintf(&b, "Platform: %s (%s)\n", env.Platform(), env.OSVersion())
	}
	if projectDocs != "" {
		b.WriteString("\n# Project instructions\n\n")
		b.WriteString(projectDocs)
	}
	return b.String()
}

// childProfile derives the profile for a spawned subagent. The child gets
// its own registry bound to its workspace; other fields are inherited
// unless overridden.
func (p *Profile) childProfile(env *workspace.Workspace, model string) *Profile {
	child := *p
	if model != "" {
		child.Model = model
	}
	if p.BuildRegistry != nil {
		child.Registry = p.BuildRegistry(env)
	} else {
		child.Registry = NewWorkspaceRegistry(env)
	}
	return &child
}
