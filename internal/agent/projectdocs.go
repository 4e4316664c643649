package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectDocsBudget caps the concatenated size of discovered project
// instruction files.
const ProjectDocsBudget = 32 * 1024

// projectDocsTruncationMarker is appended when the budget cuts a file
// short. It is not appended when the budget is consumed exactly.
const projectDocsTruncationMarker = "\n[truncated at 32KB]"

// providerInstructionFiles lists provider-specific instruction files,
// checked after the universal AGENTS.md.
var providerInstructionFiles = map[string][]string{
	"anthropic": {"CLAUDE.md"},
	"openai":    {filepath.Join(".codex", "instructions.md")},
	"gemini":    {"GEMINI.md"},
}

// DiscoverProjectDocs reads the canonical instruction files from the
// working directory and concatenates them under the budget. Unreadable
// files are skipped silently. When appending a file would exceed the
// budget, only the remaining prefix is kept, the truncation marker is
// appended, and scanning stops.
func DiscoverProjectDocs(workingDir, provider string) string {
	files := append([]string{"AGENTS.md"}, providerInstructionFiles[provider]...)

	var b strings.Builder
	remaining := ProjectDocsBudget
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(workingDir, name))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) <= remaining {
			b.WriteString(content)
			remaining -= len(content)
			continue
		}
		if remaining > 0 {
			b.WriteString(content[:remaining])
		}
		b.WriteString(projectDocsTruncationMarker)
		break
	}
	return b.String()
}
