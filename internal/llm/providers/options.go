package providers

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/drover/internal/llm"
)

// systemText collapses the system and developer messages of a request into a
// single prompt for vendors that carry the system prompt out of band. The
// remaining conversation is converted without them.
func systemText(messages []llm.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role != llm.RoleSystem && msg.Role != llm.RoleDeveloper {
			continue
		}
		if text := msg.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// optInt reads an integer-valued provider option, tolerating the numeric
// types JSON and YAML decoding produce.
func optInt(opts map[string]any, key string) (int, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func optString(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// parseDataURL splits a base64 data URL into its media type and payload.
func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

// callArgs parses tool call arguments, degrading to an empty object so one
// malformed call does not sink the whole request.
func callArgs(tc llm.ToolCall) map[string]any {
	args, err := tc.Args()
	if err != nil {
		return map[string]any{}
	}
	return args
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func base64Decode(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
