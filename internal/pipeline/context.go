package pipeline

import (
	"fmt"
	"strings"
	"sync"
)

// Context is the shared pipeline state: a flat store of dotted keys over
// JSON-like values plus an append-only log. Nested lookup is resolved at
// read time by progressive prefix descent, not by storing a tree.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	logs   []string
}

// NewContext builds an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// NewContextWith builds a context seeded from initial values.
func NewContextWith(values map[string]any) *Context {
	c := NewContext()
	for k, v := range values {
		c.values[k] = deepCopyValue(v)
	}
	return c
}

// Set stores a value under a dotted key, overwriting any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get resolves a dotted key. The exact key wins; otherwise the longest
// known prefix is found and the remaining segments descend its structured
// value. For "a.b.c" with a map at "a", the walk is values["a"]["b"]["c"].
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.values[key]; ok {
		return v, true
	}
	segments := strings.Split(key, ".")
	for cut := len(segments) - 1; cut > 0; cut-- {
		prefix := strings.Join(segments[:cut], ".")
		root, ok := c.values[prefix]
		if !ok {
			continue
		}
		return descend(root, segments[cut:])
	}
	return nil, false
}

// GetString resolves a key and stringifies the value; absent keys return "".
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// descend walks a structured value by the remaining key segments.
func descend(value any, segments []string) (any, bool) {
	current := value
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ApplyUpdates overwrites each key with its new value.
func (c *Context) ApplyUpdates(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		c.values[k] = v
	}
}

// AppendLog appends one entry to the run log.
func (c *Context) AppendLog(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of the log entries.
func (c *Context) Logs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns a deep copy of the value map.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Clone produces a structurally independent copy, logs included. Parallel
// branches each run against a clone so sibling writes cannot interleave.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Context{
		values: make(map[string]any, len(c.values)),
		logs:   make([]string, len(c.logs)),
	}
	for k, v := range c.values {
		clone.values[k] = deepCopyValue(v)
	}
	copy(clone.logs, c.logs)
	return clone
}

func deepCopyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}
