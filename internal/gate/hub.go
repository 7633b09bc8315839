package gate

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var _ Confirmer = (*Hub)(nil)

// Hub is a Confirmer for transports that answer out of band. Confirm
// registers each pending confirmation under its workflow ID and
// returns immediately, leaving the gate blocked in Wait until an
// endpoint resolves the entry.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingConfirmation
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		pending: make(map[string]*PendingConfirmation),
	}
}

// Confirm registers the pending confirmation. The entry is removed
// when the run context ends, so abandoned confirmations do not
// accumulate.
func (h *Hub) Confirm(ctx context.Context, pending *PendingConfirmation) error {
	id := pending.Request().WorkflowID

	h.mu.Lock()
	h.pending[id] = pending
	h.mu.Unlock()

	h.logger.Info("confirmation pending",
		zap.String("workflow_id", id),
		zap.String("max_severity", string(pending.Request().MaxSeverity)),
	)

	go func() {
		<-ctx.Done()
		h.remove(id, pending)
	}()
	return nil
}

// Pending returns the unresolved confirmation for a workflow.
func (h *Hub) Pending(workflowID string) (*PendingConfirmation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[workflowID]
	return p, ok
}

// Resolve answers the workflow's pending confirmation. It reports
// false when nothing is pending for the workflow or the confirmation
// was already answered.
func (h *Hub) Resolve(workflowID string, proceed bool) bool {
	h.mu.Lock()
	p, ok := h.pending[workflowID]
	if ok {
		delete(h.pending, workflowID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	return p.Resolve(proceed)
}

func (h *Hub) remove(id string, pending *PendingConfirmation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[id] == pending {
		delete(h.pending, id)
	}
}
