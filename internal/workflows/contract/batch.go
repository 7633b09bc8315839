package contract

import (
	"fmt"

	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"go.temporal.io/sdk/workflow"
)

// Request names one contract in a batch.
type Request struct {
	Prompt  string
	Options pipeline.Options
}

// BatchInput runs several contracts under one parent workflow.
type BatchInput struct {
	Requests []Request

	// Parallelism caps concurrently running children. Values below 1
	// run the batch one contract at a time.
	Parallelism int

	// Config applies to every child run.
	Config RunConfig
}

// BatchResult tallies a batch by terminal status. Results holds one
// entry per request, in request order.
type BatchResult struct {
	Total     int
	Done      int
	Cancelled int
	Failed    int
	Results   []*pipeline.Result
}

// BatchWorkflow fans a batch of prompts out over child lifecycle
// workflows, at most Parallelism at a time. A child's domain outcome
// never fails the batch; a child that fails at the workflow level
// surfaces as a FAILED result carrying the error.
func BatchWorkflow(ctx workflow.Context, input BatchInput) (*BatchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("batch started",
		"requests", len(input.Requests),
		"parallelism", input.Parallelism,
	)

	parallelism := input.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	results := make([]*pipeline.Result, len(input.Requests))
	selector := workflow.NewSelector(ctx)
	inFlight := 0

	for i := range input.Requests {
		if inFlight >= parallelism {
			selector.Select(ctx)
			inFlight--
		}

		in := childInput(ctx, input, i)
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: in.Options.ID,
		})
		future := workflow.ExecuteChildWorkflow(childCtx, LifecycleWorkflow, in)

		idx := i
		childIn := in
		selector.AddFuture(future, func(f workflow.Future) {
			results[idx] = collectChild(ctx, childIn, f)
		})
		inFlight++
	}
	for inFlight > 0 {
		selector.Select(ctx)
		inFlight--
	}

	out := &BatchResult{Total: len(input.Requests), Results: results}
	for _, res := range results {
		switch res.Status {
		case pipeline.StatusDone:
			out.Done++
		case pipeline.StatusCancelled:
			out.Cancelled++
		default:
			out.Failed++
		}
	}

	logger.Info("batch finished",
		"done", out.Done,
		"cancelled", out.Cancelled,
		"failed", out.Failed,
	)
	return out, nil
}

// childInput builds a child's input, deriving a deterministic run ID
// from the batch position when the request pins none.
func childInput(ctx workflow.Context, input BatchInput, i int) Input {
	req := input.Requests[i]
	if req.Options.ID == "" {
		req.Options.ID = fmt.Sprintf("%s-run-%d", workflow.GetInfo(ctx).WorkflowExecution.ID, i+1)
	}
	return Input{Prompt: req.Prompt, Options: req.Options, Config: input.Config}
}

func collectChild(ctx workflow.Context, in Input, f workflow.Future) *pipeline.Result {
	var res pipeline.Result
	if err := f.Get(ctx, &res); err != nil {
		workflow.GetLogger(ctx).Error("child workflow failed",
			"workflow_id", in.Options.ID,
			"error", err,
		)
		return &pipeline.Result{
			ID:     in.Options.ID,
			Prompt: in.Prompt,
			Status: pipeline.StatusFailed,
			Error:  err.Error(),
		}
	}
	return &res
}
