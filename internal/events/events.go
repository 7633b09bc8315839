// Package events publishes workflow lifecycle events over NATS.
//
// Every run publishes to subjects under one per-workflow prefix:
//
//	workflows.{workflow_id}.started
//	workflows.{workflow_id}.stage
//	workflows.{workflow_id}.log
//	workflows.{workflow_id}.completed
//	workflows.{workflow_id}.failed
//
// Publishing is best-effort: a failed publish is logged and dropped,
// never surfaced to the workflow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/pipeline"
)

var _ pipeline.EventSink = (*Publisher)(nil)

const subjectRoot = "workflows"

// Subject returns the NATS subject for one workflow event kind.
func Subject(workflowID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, workflowID, kind)
}

// SubscribeSubject returns the wildcard subject covering every event of
// one workflow.
func SubscribeSubject(workflowID string) string {
	return fmt.Sprintf("%s.%s.*", subjectRoot, workflowID)
}

// KindFromSubject extracts the event kind token from a workflow
// subject. Returns "" for subjects outside the workflow scheme.
func KindFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != subjectRoot {
		return ""
	}
	return parts[len(parts)-1]
}

// Publisher forwards pipeline events to NATS.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher wraps a NATS connection. The publisher does not own the
// connection; the caller closes it.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Publish encodes the event and publishes it to the subject derived
// from its workflow ID and kind.
func (p *Publisher) Publish(_ context.Context, ev pipeline.Event) {
	if ev.WorkflowID == "" || ev.Kind == "" {
		p.logger.Warn("dropping event without workflow id or kind")
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to encode event",
			zap.String("workflow_id", ev.WorkflowID),
			zap.String("kind", ev.Kind),
			zap.Error(err),
		)
		return
	}

	subject := Subject(ev.WorkflowID, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
