package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/config"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/fyrsmithlabs/crucible/internal/workflows/contract"
)

// confirmPollInterval is how often a started run is checked for a
// pending gate confirmation.
const confirmPollInterval = 2 * time.Second

// runDurable submits the run to a Temporal worker and waits for the
// result. While the workflow executes, this process polls for a
// pending gate confirmation, prompts the operator, and signals the
// answer back.
func runDurable(ctx context.Context, cfg *config.Config, log *zap.Logger, prompt string, opts pipeline.Options) (*pipeline.Result, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal at %s: %w", cfg.Temporal.HostPort, err)
	}
	defer c.Close()

	input := contract.Input{
		Prompt:  prompt,
		Options: opts,
		Config: contract.RunConfig{
			MaxGenerateAttempts: cfg.Pipeline.MaxGenerateAttempts,
			MaxFixCycles:        cfg.Pipeline.MaxFixCycles,
			StageTimeout:        cfg.Pipeline.StageTimeout.Duration(),
		},
	}
	startOpts := client.StartWorkflowOptions{TaskQueue: cfg.Temporal.TaskQueue}
	if opts.ID != "" {
		startOpts.ID = opts.ID
	}

	handle, err := c.ExecuteWorkflow(ctx, startOpts, contract.LifecycleWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("starting workflow: %w", err)
	}
	fmt.Fprintf(os.Stderr, "workflow %s started on queue %s\n", handle.GetID(), cfg.Temporal.TaskQueue)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go answerConfirmations(watchCtx, c, handle.GetID(), pickConfirmer(), log)

	var res pipeline.Result
	if err := handle.Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", handle.GetID(), err)
	}
	return &res, nil
}

// answerConfirmations polls the workflow for a suspended gate
// confirmation, puts the question to the operator, and signals the
// answer back. It returns after one answered confirmation; a lifecycle
// run gates at most once.
func answerConfirmations(ctx context.Context, c client.Client, workflowID string, confirmer gate.Confirmer, log *zap.Logger) {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		val, err := c.QueryWorkflow(ctx, workflowID, "", contract.QueryPendingConfirmation)
		if err != nil {
			// Not yet dispatched to a worker, or already closed.
			continue
		}
		var req *gate.ConfirmationRequest
		if err := val.Get(&req); err != nil || req == nil {
			continue
		}

		pending := gate.NewPendingConfirmation(*req)
		answer := "n"
		if err := confirmer.Confirm(ctx, pending); err == nil && pending.Wait(ctx) {
			answer = "y"
		}

		if err := c.SignalWorkflow(ctx, workflowID, "", contract.SignalConfirmation, contract.ConfirmationSignal{Answer: answer}); err != nil {
			log.Warn("delivering confirmation answer",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
			continue
		}
		return
	}
}
