// Package gate decides whether a workflow may proceed past its audit.
//
// The decision table is severity-driven: anything below high proceeds
// automatically, high findings proceed only under an explicit insecure
// override or an operator's confirmation. Confirmation is modeled as a
// pending state resolved through a Confirmer, so callers can answer it
// synchronously (a prompt) or asynchronously (a service endpoint).
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/crucible/internal/gate"

// Decision is the gate's verdict on a workflow.
type Decision string

const (
	// DecisionAutoProceed lets the workflow continue to deployment.
	DecisionAutoProceed Decision = "AUTO_PROCEED"

	// DecisionAutoFail cancels the workflow. It maps to a cancelled
	// workflow status, not a failed one.
	DecisionAutoFail Decision = "AUTO_FAIL"

	// DecisionRequireConfirmation suspends the workflow until an
	// operator answers. It never leaves the gate: Decide resolves it
	// to one of the other two decisions.
	DecisionRequireConfirmation Decision = "REQUIRE_CONFIRMATION"
)

// Result carries the gate's decision and how it was reached.
type Result struct {
	Decision    Decision
	MaxSeverity audit.Severity

	// InsecureOverride is true when high severity findings were waved
	// through by the allow-insecure flag. Deployment records produced
	// downstream carry this annotation.
	InsecureOverride bool

	// Confirmed is true when an operator explicitly approved.
	Confirmed bool

	Reason string
}

// Evaluate applies the severity table to the findings.
//
// It is pure: no confirmation happens here. A REQUIRE_CONFIRMATION
// result tells the caller an operator has to answer before the
// workflow may continue.
func Evaluate(findings []audit.Finding, allowInsecure bool) Result {
	max := audit.MaxSeverity(findings)

	switch {
	case max.Rank() < audit.SeverityHigh.Rank():
		return Result{
			Decision:    DecisionAutoProceed,
			MaxSeverity: max,
			Reason:      "max severity " + string(max),
		}
	case allowInsecure:
		return Result{
			Decision:         DecisionAutoProceed,
			MaxSeverity:      max,
			InsecureOverride: true,
			Reason:           "high severity findings overridden by allow-insecure",
		}
	default:
		return Result{
			Decision:    DecisionRequireConfirmation,
			MaxSeverity: max,
			Reason:      "high severity findings require confirmation",
		}
	}
}

// ParseAnswer interprets an operator's reply to a confirmation prompt.
// An empty reply or an affirmative one approves; anything else,
// including an explicit "n", declines.
func ParseAnswer(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "y", "yes":
		return true
	default:
		return false
	}
}

// Confirmer delivers a pending confirmation to an operator.
//
// Implementations resolve the pending confirmation, either before
// Confirm returns (an interactive prompt) or later from another
// goroutine (a service endpoint, a workflow signal). An error from
// Confirm counts as a declined confirmation, never as a workflow
// failure.
type Confirmer interface {
	Confirm(ctx context.Context, pending *PendingConfirmation) error
}

// Gate evaluates audit findings and drives operator confirmation.
type Gate struct {
	confirmer Confirmer
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	decisionsTotal     metric.Int64Counter
	confirmationsTotal metric.Int64Counter
}

// New builds a gate. The confirmer may be nil for headless contexts,
// in which case a required confirmation declines automatically.
func New(confirmer Confirmer, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gate{
		confirmer: confirmer,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g
}

func (g *Gate) initMetrics() {
	var err error

	g.decisionsTotal, err = g.meter.Int64Counter(
		"crucible.gate.decisions_total",
		metric.WithDescription("Gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		g.logger.Warn("failed to create decisions counter", zap.Error(err))
	}

	g.confirmationsTotal, err = g.meter.Int64Counter(
		"crucible.gate.confirmations_total",
		metric.WithDescription("Operator confirmation outcomes"),
		metric.WithUnit("{confirmation}"),
	)
	if err != nil {
		g.logger.Warn("failed to create confirmations counter", zap.Error(err))
	}
}

// Decide evaluates the findings and, when confirmation is required,
// waits for the operator's answer. The returned decision is always
// AUTO_PROCEED or AUTO_FAIL.
//
// The context bounds the wait: a context that ends before the operator
// answers counts as a declined confirmation.
func (g *Gate) Decide(ctx context.Context, req ConfirmationRequest, allowInsecure bool) Result {
	ctx, span := g.tracer.Start(ctx, "gate.decide")
	defer span.End()

	res := Evaluate(req.Findings, allowInsecure)
	span.SetAttributes(
		attribute.String("gate.max_severity", string(res.MaxSeverity)),
		attribute.Bool("gate.allow_insecure", allowInsecure),
	)

	if res.InsecureOverride {
		g.logger.Warn("high severity findings overridden by allow-insecure",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("findings", audit.Summary(req.Findings)),
		)
	}

	if res.Decision == DecisionRequireConfirmation {
		res = g.confirm(ctx, req, res)
	}

	span.SetAttributes(attribute.String("gate.decision", string(res.Decision)))
	if g.decisionsTotal != nil {
		g.decisionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", string(res.Decision)),
			attribute.String("max_severity", string(res.MaxSeverity)),
		))
	}

	g.logger.Info("gate decision",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("decision", string(res.Decision)),
		zap.String("max_severity", string(res.MaxSeverity)),
		zap.String("reason", res.Reason),
	)
	return res
}

func (g *Gate) confirm(ctx context.Context, req ConfirmationRequest, res Result) Result {
	req.MaxSeverity = res.MaxSeverity
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	if g.confirmer == nil {
		// Nobody to ask. Decline, same as end-of-input at a prompt.
		res.Decision = DecisionAutoFail
		res.Reason = "confirmation required but no confirmer configured"
		return res
	}

	pending := NewPendingConfirmation(req)
	if err := g.confirmer.Confirm(ctx, pending); err != nil {
		// An aborted prompt declines rather than erroring.
		g.logger.Warn("confirmation aborted",
			zap.String("workflow_id", req.WorkflowID),
			zap.Error(err),
		)
		pending.Resolve(false)
	}

	if pending.Wait(ctx) {
		res.Decision = DecisionAutoProceed
		res.Confirmed = true
		res.Reason = "operator approved"
	} else {
		res.Decision = DecisionAutoFail
		res.Reason = "operator declined"
	}

	if g.confirmationsTotal != nil {
		outcome := "declined"
		if res.Confirmed {
			outcome = "approved"
		}
		g.confirmationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
	return res
}
