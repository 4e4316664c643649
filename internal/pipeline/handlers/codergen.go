package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/pipeline"
)

// compactValueLimit caps individual context values under compact fidelity.
const compactValueLimit = 400

// CodergenOptions configures the LLM stage handler.
type CodergenOptions struct {
	Client   *llm.Client
	Provider string
	Model    string

	// Stylesheet wins over the graph's model_stylesheet file when set.
	Stylesheet Stylesheet

	Logger *slog.Logger
}

// Codergen runs one model turn per stage: it renders the node prompt plus
// the pipeline context at the node's fidelity, calls the model, and parses
// the trailing status line of the reply. Artifacts land under the stage
// directory as prompt.md, response.md, and status.json.
type Codergen struct {
	client   *llm.Client
	provider string
	model    string
	fixed    Stylesheet
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]Stylesheet
}

func NewCodergen(opts CodergenOptions) *Codergen {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Codergen{
		client:   opts.Client,
		provider: opts.Provider,
		model:    opts.Model,
		fixed:    opts.Stylesheet,
		logger:   logger,
		cache:    make(map[string]Stylesheet),
	}
}

func (h *Codergen) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.Context, graph *pipeline.Graph, logsRoot string) (pipeline.Outcome, error) {
	prompt := buildPrompt(node, graph, pctx)
	if err := writeStageFile(logsRoot, node.ID, "prompt.md", []byte(prompt)); err != nil {
		return pipeline.Outcome{}, err
	}

	style := h.route(node, h.stylesheetFor(graph))
	start := time.Now()
	res, err := h.client.Generate(ctx, llm.GenerateRequest{
		Provider:        style.Provider,
		Model:           style.Model,
		Prompt:          prompt,
		ReasoningEffort: llm.ReasoningEffort(strings.ToLower(style.Effort)),
	})
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("codergen %s: %w", node.ID, err)
	}

	if err := writeStageFile(logsRoot, node.ID, "response.md", []byte(res.Text)); err != nil {
		return pipeline.Outcome{}, err
	}
	status, ok := trailingStatus(res.Text)
	if !ok {
		status = pipeline.StatusSuccess
	}
	record := stageStatus{
		Status:       string(status),
		Provider:     style.Provider,
		Model:        style.Model,
		DurationMs:   time.Since(start).Milliseconds(),
		InputTokens:  res.TotalUsage.InputTokens,
		OutputTokens: res.TotalUsage.OutputTokens,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("encode status: %w", err)
	}
	if err := writeStageFile(logsRoot, node.ID, "status.json", data); err != nil {
		return pipeline.Outcome{}, err
	}
	h.logger.Debug("codergen stage complete",
		"node", node.ID,
		"model", style.Model,
		"status", string(status),
		"output_tokens", res.TotalUsage.OutputTokens)

	out := pipeline.Outcome{
		Status: status,
		ContextUpdates: map[string]any{
			node.ID + ".response": res.Text,
			"last_stage":          node.ID,
			"last_response":       res.Text,
		},
	}
	if !status.Succeeded() {
		out.FailureReason = fmt.Sprintf("model reported %s", status)
	}
	return out, nil
}

// stylesheetFor resolves the stylesheet for a graph, loading and caching the
// model_stylesheet file on first use. Load failures log once per path and
// fall through to the handler defaults.
func (h *Codergen) stylesheetFor(g *pipeline.Graph) Stylesheet {
	if h.fixed != nil {
		return h.fixed
	}
	path := g.ModelStylesheet()
	if path == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sheet, cached := h.cache[path]; cached {
		return sheet
	}
	sheet, err := LoadStylesheet(path)
	if err != nil {
		h.logger.Warn("model stylesheet unavailable", "path", path, "error", err)
		sheet = nil
	}
	h.cache[path] = sheet
	return sheet
}

// route picks the model route for a node: explicit llm_* attributes beat the
// stylesheet class entry, which beats the handler defaults.
func (h *Codergen) route(node *pipeline.Node, sheet Stylesheet) ModelStyle {
	style, _ := sheet.Resolve(node.Class())
	if v := node.Attr("llm_provider"); v != "" {
		style.Provider = v
	}
	if v := node.Attr("llm_model"); v != "" {
		style.Model = v
	}
	if v := node.Attr("llm_effort"); v != "" {
		style.Effort = v
	}
	if style.Provider == "" {
		style.Provider = h.provider
	}
	if style.Model == "" {
		style.Model = h.model
	}
	return style
}

type stageStatus struct {
	Status       string `json:"status"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

func buildPrompt(node *pipeline.Node, g *pipeline.Graph, pctx *pipeline.Context) string {
	fidelity := node.Fidelity()
	if fidelity == "" {
		fidelity = g.DefaultFidelity()
	}
	var b strings.Builder
	b.WriteString("# Task\n\n")
	task := node.Prompt()
	if task == "" {
		task = node.Label()
	}
	b.WriteString(task)
	b.WriteString("\n")
	if goal := g.Goal(); goal != "" {
		b.WriteString("\n# Goal\n\n")
		b.WriteString(goal)
		b.WriteString("\n")
	}
	if block := contextBlock(pctx, fidelity); block != "" {
		b.WriteString("\n# Context\n\n")
		b.WriteString(block)
	}
	b.WriteString("\nEnd your reply with a line \"STATUS: SUCCESS\", \"STATUS: PARTIAL_SUCCESS\", \"STATUS: FAIL\", or \"STATUS: RETRY\".\n")
	return b.String()
}

// contextBlock serialises the pipeline context at the requested fidelity:
// full (everything), compact (no internal keys, values capped),
// truncate:N (full render capped at N runes), or summary (last response
// only).
func contextBlock(pctx *pipeline.Context, fidelity string) string {
	snap := pctx.Snapshot()
	mode, arg, _ := strings.Cut(fidelity, ":")
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "summary":
		var b strings.Builder
		if v, ok := snap["last_stage"]; ok {
			fmt.Fprintf(&b, "- last_stage: %s\n", stringify(v))
		}
		if v, ok := snap["last_response"]; ok {
			fmt.Fprintf(&b, "- last_response: %s\n", stringify(v))
		}
		return b.String()
	case "compact":
		return renderContext(snap, true, compactValueLimit)
	case "truncate":
		full := renderContext(snap, false, 0)
		n := atoiDefault(arg, 0)
		if n > 0 {
			if r := []rune(full); len(r) > n {
				return string(r[:n]) + "\n[context truncated]\n"
			}
		}
		return full
	default:
		return renderContext(snap, false, 0)
	}
}

func renderContext(snap map[string]any, skipInternal bool, valueLimit int) string {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		if skipInternal && strings.HasPrefix(k, "internal.") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := stringify(snap[k])
		if valueLimit > 0 {
			if r := []rune(v); len(r) > valueLimit {
				v = string(r[:valueLimit]) + "..."
			}
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int:
		return strconv.Itoa(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// trailingStatus parses a "STATUS: <value>" marker off the last non-blank
// line of a model reply.
func trailingStatus(text string) (pipeline.Status, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		rest, found := strings.CutPrefix(strings.ToUpper(line), "STATUS:")
		if !found {
			return "", false
		}
		status, ok := pipeline.ParseStatus(rest)
		if !ok {
			return "", false
		}
		return status, true
	}
	return "", false
}
