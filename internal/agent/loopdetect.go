package agent

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"

	"github.com/haasonsaas/drover/internal/llm"
)

// toolCallSignature fingerprints a call as "<name>:<md5 prefix>" over the
// canonical JSON of its arguments, so identical calls hash identically
// regardless of key order in the wire form.
func toolCallSignature(tc llm.ToolCall) string {
	var payload []byte
	if args, err := tc.Args(); err == nil {
		payload, _ = json.Marshal(args)
	} else {
		payload = []byte(tc.Raw)
	}
	sum := md5.Sum(payload)
	return tc.Name + ":" + hex.EncodeToString(sum[:])[:8]
}

// recentToolCallSignatures collects the signatures of the last limit tool
// calls across assistant turns, ordered most-recent-last.
func recentToolCallSignatures(history []Turn, limit int) []string {
	var all []string
	for _, turn := range history {
		if turn.Kind != TurnAssistant {
			continue
		}
		for _, tc := range turn.ToolCalls {
			all = append(all, toolCallSignature(tc))
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// DetectLoop reports whether the last window tool calls form a pure
// repetition. Pattern lengths 1, 2, and 3 are tried, each only when it
// divides the window; fewer than window recorded calls is never a loop.
func DetectLoop(history []Turn, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentToolCallSignatures(history, window)
	if len(sigs) < window {
		return false
	}
	for _, period := range []int{1, 2, 3} {
		if window%period != 0 {
			continue
		}
		if repeatsWithPeriod(sigs, period) {
			return true
		}
	}
	return false
}

func repeatsWithPeriod(sigs []string, period int) bool {
	for i := range sigs {
		if sigs[i] != sigs[i%period] {
			return false
		}
	}
	return true
}
