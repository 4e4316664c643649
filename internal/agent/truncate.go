package agent

import (
	"fmt"
	"strings"
)

// defaultOutputCharLimit caps tool output returned to the model when the
// session config does not set a limit for the tool or a "default" entry.
const defaultOutputCharLimit = 30_000

// TruncateToolOutput applies per-tool line and character limits to output
// bound for the model. The untruncated output still flows to the event
// stream; only the model-facing payload is cut. A limit of zero for a tool
// disables that dimension.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	if lineLimit := limitFor(lineLimits, toolName, 0); lineLimit > 0 {
		lines := strings.Split(output, "\n")
		if len(lines) > lineLimit {
			output = strings.Join(lines[:lineLimit], "\n") +
				fmt.Sprintf("\n[output truncated to %d lines]", lineLimit)
		}
	}
	if charLimit := limitFor(charLimits, toolName, defaultOutputCharLimit); charLimit > 0 && len(output) > charLimit {
		output = output[:charLimit] +
			fmt.Sprintf("\n[output truncated to %d characters]", charLimit)
	}
	return output
}

// limitFor resolves a limit by tool name, then the "default" entry, then
// the package fallback. An explicit zero disables the limit.
func limitFor(limits map[string]int, tool string, fallback int) int {
	if limits != nil {
		if v, ok := limits[tool]; ok {
			return v
		}
		if v, ok := limits["default"]; ok {
			return v
		}
	}
	return fallback
}
