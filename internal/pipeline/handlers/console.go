package handlers

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// Console asks questions on the terminal with an interactive picker.
type Console struct{}

func NewConsole() *Console { return &Console{} }

// Ask renders a select prompt and answers with the chosen target id.
// Context expiry maps to a timeout answer and a user abort (ctrl-c, esc) to
// a skipped one.
func (c *Console) Ask(ctx context.Context, q Question) (Answer, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return Answer{}, errors.New("console interactor: stdin is not a terminal")
	}
	opts := make([]huh.Option[string], 0, len(q.Choices))
	for _, ch := range q.Choices {
		opts = append(opts, huh.NewOption(ch.Label, ch.Target))
	}
	var picked string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(q.Prompt).
			Options(opts...).
			Value(&picked),
	))
	if err := form.RunWithContext(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			return Answer{Kind: AnswerTimeout}, nil
		case errors.Is(err, huh.ErrUserAborted):
			return Answer{Kind: AnswerSkipped}, nil
		default:
			return Answer{}, err
		}
	}
	return Answer{Kind: AnswerValue, Value: picked}, nil
}
