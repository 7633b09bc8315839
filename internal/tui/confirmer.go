package tui

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/crucible/internal/gate"
)

// Confirmer answers gate confirmations with a full-screen prompt on
// the operator's terminal. Ctrl-c inside the prompt and an aborted
// program both land on the decline path; the gate treats a returned
// error the same way.
type Confirmer struct {
	// In and Out override the terminal streams. Nil means the
	// process terminal.
	In  io.Reader
	Out io.Writer
}

var _ gate.Confirmer = (*Confirmer)(nil)

// Confirm runs the prompt and resolves the pending confirmation with
// the operator's answer. The context deadline, when set, becomes the
// confirmation window shown in the prompt.
func (c *Confirmer) Confirm(ctx context.Context, pending *gate.PendingConfirmation) error {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if c.In != nil {
		opts = append(opts, tea.WithInput(c.In))
	}
	if c.Out != nil {
		opts = append(opts, tea.WithOutput(c.Out))
	}

	final, err := tea.NewProgram(NewConfirm(pending.Request(), deadline), opts...).Run()
	if err != nil {
		return fmt.Errorf("confirmation prompt: %w", err)
	}

	m, ok := final.(ConfirmModel)
	pending.Resolve(ok && m.answered && m.approved)
	return nil
}
