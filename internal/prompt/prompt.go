// Package prompt asks the operator yes/no questions.
package prompt

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned when a question needs an answer but input
// is not a terminal.
var ErrNotInteractive = errors.New("confirmation needs an interactive terminal")

// Prompter asks for confirmation. A dismissed prompt is a "no", not an
// error.
type Prompter interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// Terminal renders a huh confirm form. The default answer is "no".
type Terminal struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

var _ Prompter = (*Terminal)(nil)

// NewTerminal prompts on stdin/stdout.
func NewTerminal() *Terminal {
	return NewTerminalWithIO(os.Stdin, os.Stderr)
}

// NewTerminalWithIO prompts on the given streams. When in is a file that
// is not a terminal, Confirm fails with ErrNotInteractive.
func NewTerminalWithIO(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:         in,
		out:        out,
		accessible: os.Getenv("ACCESSIBLE") != "",
	}
}

func (t *Terminal) Confirm(ctx context.Context, message string) (bool, error) {
	if f, ok := t.in.(interface{ Fd() uintptr }); ok {
		if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			return false, ErrNotInteractive
		}
	}

	answer := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(message).
				Affirmative("Yes").
				Negative("No").
				Value(&answer),
		),
	).
		WithInput(t.in).
		WithOutput(t.out).
		WithAccessible(t.accessible).
		WithShowHelp(true)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return answer, nil
}

// Static always answers the same way.
type Static bool

func (s Static) Confirm(context.Context, string) (bool, error) {
	return bool(s), nil
}

// AutoApprove answers yes to everything.
var AutoApprove Prompter = Static(true)
