package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/crucible/internal/audit"
)

// ReaderConfirmer prompts on W and reads a one-line answer from R.
//
// It covers piped input and plain terminals; interactive runs get the
// TUI confirmer instead. End-of-input before any answer declines.
type ReaderConfirmer struct {
	R io.Reader
	W io.Writer
}

// Confirm prints the findings and the prompt, then resolves the
// pending confirmation from a background read. The read itself cannot
// be cancelled; if the context ends first the goroutine parks until
// the reader closes.
func (c *ReaderConfirmer) Confirm(ctx context.Context, pending *PendingConfirmation) error {
	req := pending.Request()

	fmt.Fprintf(c.W, "audit reported %s\n", audit.Summary(req.Findings))
	for _, f := range req.Findings {
		if f.Severity != audit.SeverityHigh {
			continue
		}
		if f.Location != "" {
			fmt.Fprintf(c.W, "  [%s] %s: %s (%s)\n", f.Severity, f.Category, f.Description, f.Location)
		} else {
			fmt.Fprintf(c.W, "  [%s] %s: %s\n", f.Severity, f.Category, f.Description)
		}
	}
	fmt.Fprint(c.W, "Deploy anyway? [Y/n] ")

	go func() {
		line, err := bufio.NewReader(c.R).ReadString('\n')
		if line == "" && err != nil {
			pending.Resolve(false)
			return
		}
		pending.Resolve(ParseAnswer(line))
	}()
	return nil
}
