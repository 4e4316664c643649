package config

import (
	"strings"

	"github.com/haasonsaas/drover/internal/agent"
	"github.com/haasonsaas/drover/internal/llm"
)

// EffectiveSessionConfig converts config into runtime session settings.
// Fields the file leaves unset keep their runtime defaults.
func EffectiveSessionConfig(cfg SessionConfig) agent.SessionConfig {
	settings := agent.DefaultSessionConfig()

	if cfg.MaxTurns != nil {
		settings.MaxTurns = clampInt(*cfg.MaxTurns, 0)
	}
	if cfg.MaxToolRoundsPerInput != nil {
		settings.MaxToolRoundsPerInput = clampInt(*cfg.MaxToolRoundsPerInput, 0)
	}
	if effort := strings.ToLower(strings.TrimSpace(cfg.ReasoningEffort)); effort != "" {
		settings.ReasoningEffort = llm.ReasoningEffort(effort)
	}
	if len(cfg.ToolOutputLimits) > 0 {
		settings.ToolOutputLimits = copyIntMap(cfg.ToolOutputLimits)
	}
	if len(cfg.ToolLineLimits) > 0 {
		settings.ToolLineLimits = copyIntMap(cfg.ToolLineLimits)
	}
	if cfg.EnableLoopDetection != nil {
		settings.EnableLoopDetection = *cfg.EnableLoopDetection
	}
	if cfg.LoopDetectionWindow != nil {
		settings.LoopDetectionWindow = clampInt(*cfg.LoopDetectionWindow, 0)
	}
	if cfg.MaxSubagentDepth != nil {
		settings.MaxSubagentDepth = clampInt(*cfg.MaxSubagentDepth, 0)
	}
	if instructions := strings.TrimSpace(cfg.UserInstructions); instructions != "" {
		settings.UserInstructions = instructions
	}
	settings.Retry = EffectiveRetryPolicy(cfg.Retry)

	return settings
}

// EffectiveRetryPolicy converts config into the LLM client retry policy.
func EffectiveRetryPolicy(cfg RetryConfig) llm.RetryPolicy {
	policy := llm.DefaultRetryPolicy()

	if cfg.MaxRetries != nil {
		policy.MaxRetries = clampInt(*cfg.MaxRetries, 0)
	}
	if cfg.BaseDelay != nil && *cfg.BaseDelay > 0 {
		policy.BaseDelay = *cfg.BaseDelay
	}
	if cfg.MaxDelay != nil && *cfg.MaxDelay > 0 {
		policy.MaxDelay = *cfg.MaxDelay
	}
	if cfg.Multiplier != nil {
		policy.Multiplier = clampFloat(*cfg.Multiplier, 1, 10)
	}
	if cfg.Jitter != nil {
		policy.Jitter = *cfg.Jitter
	}

	return policy
}

func copyIntMap(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func clampInt(value int, min int) int {
	if value < min {
		return min
	}
	return value
}
