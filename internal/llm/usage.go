package llm

// Usage tracks token consumption for a request. TotalTokens defaults to
// input+output when the provider does not report it. Zero values mean the
// provider did not report the field.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// NewUsage builds a Usage with the total defaulted to input+output.
func NewUsage(input, output int) Usage {
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: input + output}
}

// Add returns the field-wise sum of two usages. The zero Usage is the
// identity; Add is commutative and associative.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// IsZero reports whether no field was populated.
func (u Usage) IsZero() bool {
	return u == Usage{}
}
