package gate

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
)

// ConfirmationRequest describes what the operator is being asked to
// approve.
type ConfirmationRequest struct {
	WorkflowID   string
	ContractName string
	Findings     []audit.Finding
	MaxSeverity  audit.Severity
	RequestedAt  time.Time
}

// PendingConfirmation is a confirmation awaiting an operator's answer.
//
// It is the workflow's only suspension point. The gate creates one,
// hands it to the Confirmer, and blocks in Wait; whoever holds the
// pending confirmation resolves it from any goroutine.
type PendingConfirmation struct {
	request ConfirmationRequest

	once sync.Once
	done chan bool
}

// NewPendingConfirmation wraps a request for resolution.
func NewPendingConfirmation(req ConfirmationRequest) *PendingConfirmation {
	return &PendingConfirmation{
		request: req,
		done:    make(chan bool, 1),
	}
}

// Request returns what is being confirmed.
func (p *PendingConfirmation) Request() ConfirmationRequest {
	return p.request
}

// Resolve supplies the operator's answer. The first call wins; it
// reports whether this call was the one that resolved the
// confirmation.
func (p *PendingConfirmation) Resolve(proceed bool) bool {
	first := false
	p.once.Do(func() {
		first = true
		p.done <- proceed
	})
	return first
}

// Wait blocks until the confirmation resolves or the context ends. A
// context that ends first counts as a declined confirmation.
func (p *PendingConfirmation) Wait(ctx context.Context) bool {
	select {
	case proceed := <-p.done:
		return proceed
	case <-ctx.Done():
		return false
	}
}
