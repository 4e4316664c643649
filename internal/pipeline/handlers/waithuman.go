package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/drover/internal/pipeline"
)

// Choice is one selectable answer at a human gate, derived from an outgoing
// edge of the wait.human node.
type Choice struct {
	Key    string // accelerator, e.g. "a"
	Label  string // edge label, or the target id when unlabelled
	Target string // edge destination node
}

// AnswerKind classifies how a human gate resolved.
type AnswerKind string

const (
	AnswerValue   AnswerKind = "value"
	AnswerTimeout AnswerKind = "timeout"
	AnswerSkipped AnswerKind = "skipped"
)

// Answer is an interactor's reply to a question.
type Answer struct {
	Kind  AnswerKind
	Value string
}

// Question is a human gate presented to an interactor.
type Question struct {
	NodeID  string
	Prompt  string
	Choices []Choice
	Dir     string // stage directory; file interactors watch here
}

// Interactor collects one answer from a human. Ask blocks until an answer
// arrives, the context expires (timeout answer), or the human refuses
// (skipped answer). Errors are reserved for broken channels, not refusals.
type Interactor interface {
	Ask(ctx context.Context, q Question) (Answer, error)
}

// WaitHuman pauses the pipeline until a human picks one of the node's
// outgoing edges. The chosen edge is steered through the outcome's
// suggested ids and preferred label.
type WaitHuman struct {
	interactor Interactor
	logger     *slog.Logger
}

func NewWaitHuman(interactor Interactor, logger *slog.Logger) *WaitHuman {
	if logger == nil {
		logger = slog.Default()
	}
	return &WaitHuman{interactor: interactor, logger: logger}
}

func (h *WaitHuman) Handle(ctx context.Context, node *pipeline.Node, pctx *pipeline.Context, graph *pipeline.Graph, logsRoot string) (pipeline.Outcome, error) {
	choices := gateChoices(graph, node)
	if len(choices) == 0 {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: fmt.Sprintf("wait.human node %q has no outgoing edges", node.ID),
		}, nil
	}
	dir, err := stageDir(logsRoot, node.ID)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	prompt := node.Prompt()
	if prompt == "" {
		prompt = node.Label()
	}
	q := Question{NodeID: node.ID, Prompt: prompt, Choices: choices, Dir: dir}
	if err := os.WriteFile(filepath.Join(dir, "question.md"), []byte(renderQuestion(q)), 0o644); err != nil {
		return pipeline.Outcome{}, fmt.Errorf("write question.md: %w", err)
	}
	if h.interactor == nil {
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: "no interactor configured for wait.human stage",
		}, nil
	}

	ans, err := h.interactor.Ask(ctx, q)
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("wait.human %s: %w", node.ID, err)
	}
	switch ans.Kind {
	case AnswerTimeout:
		def, ok := defaultChoice(choices, node.Attr("default_choice"))
		if !ok {
			return pipeline.Outcome{
				Status:        pipeline.StatusRetry,
				FailureReason: "human gate timed out with no default choice",
			}, nil
		}
		h.logger.Info("human gate timed out, taking default", "node", node.ID, "choice", def.Target)
		return chosen(node, def, "timed out, default applied"), nil
	case AnswerSkipped:
		return pipeline.Outcome{
			Status:        pipeline.StatusFail,
			FailureReason: "human skipped the gate",
		}, nil
	}
	return chosen(node, matchChoice(choices, ans.Value), "answered"), nil
}

func chosen(node *pipeline.Node, c Choice, note string) pipeline.Outcome {
	return pipeline.Outcome{
		Status:           pipeline.StatusSuccess,
		PreferredLabel:   c.Label,
		SuggestedNextIDs: []string{c.Target},
		Notes:            note,
		ContextUpdates:   map[string]any{node.ID + ".choice": c.Target},
	}
}

func gateChoices(g *pipeline.Graph, node *pipeline.Node) []Choice {
	edges := g.Outgoing(node.ID)
	choices := make([]Choice, 0, len(edges))
	for _, e := range edges {
		label := e.Label()
		if label == "" {
			label = e.To
		}
		choices = append(choices, Choice{
			Key:    pipeline.AcceleratorKey(label),
			Label:  label,
			Target: e.To,
		})
	}
	return choices
}

// matchChoice resolves an answer value against the choices: accelerator key
// first, then label, then target id. Unmatched answers take the first
// choice.
func matchChoice(choices []Choice, value string) Choice {
	v := strings.TrimSpace(value)
	if v != "" {
		for _, c := range choices {
			if strings.EqualFold(c.Key, v) {
				return c
			}
		}
		if norm := pipeline.NormalizeLabel(v); norm != "" {
			for _, c := range choices {
				if pipeline.NormalizeLabel(c.Label) == norm {
					return c
				}
			}
		}
		for _, c := range choices {
			if c.Target == v {
				return c
			}
		}
	}
	return choices[0]
}

// defaultChoice resolves a default_choice attribute by key, then by label.
func defaultChoice(choices []Choice, want string) (Choice, bool) {
	want = strings.TrimSpace(want)
	if want == "" {
		return Choice{}, false
	}
	for _, c := range choices {
		if strings.EqualFold(c.Key, want) {
			return c, true
		}
	}
	norm := pipeline.NormalizeLabel(want)
	for _, c := range choices {
		if pipeline.NormalizeLabel(c.Label) == norm {
			return c, true
		}
	}
	return Choice{}, false
}

func renderQuestion(q Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\nChoices:\n\n", q.NodeID, q.Prompt)
	for _, c := range q.Choices {
		fmt.Fprintf(&b, "- [%s] %s -> %s\n", c.Key, c.Label, c.Target)
	}
	b.WriteString("\nAnswer with a key, label, or target id. File interactors read the\nfirst non-blank line of answer.txt in this directory.\n")
	return b.String()
}
