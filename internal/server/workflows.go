package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/events"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// runState tracks one submitted workflow run.
type runState struct {
	ID        string
	Prompt    string
	StartedAt time.Time

	mu     sync.Mutex
	status pipeline.Status
	result *pipeline.Result
}

// snapshot returns the current status and, once terminal, the result.
func (r *runState) snapshot() (pipeline.Status, *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.result
}

// finish records the run's outcome. A nil result is synthesized into a
// failed one so the API never loses a run.
func (r *runState) finish(res *pipeline.Result, err error) {
	if res == nil {
		res = &pipeline.Result{
			ID:          r.ID,
			Prompt:      r.Prompt,
			Status:      pipeline.StatusFailed,
			StartedAt:   r.StartedAt,
			CompletedAt: time.Now().UTC(),
		}
		if err != nil {
			res.Error = err.Error()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = res.Status
	r.result = res
}

// runStore holds submitted runs by workflow ID.
type runStore struct {
	mu   sync.RWMutex
	runs map[string]*runState
}

func newRunStore() *runStore {
	return &runStore{runs: make(map[string]*runState)}
}

// add registers a run, rejecting duplicate IDs.
func (s *runStore) add(run *runState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("workflow %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *runStore) get(id string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// SubmitWorkflowRequest is the request body for POST /api/v1/workflows.
type SubmitWorkflowRequest struct {
	Prompt  string           `json:"prompt"`
	Options pipeline.Options `json:"options"`
}

// SubmitWorkflowResponse acknowledges an accepted run.
type SubmitWorkflowResponse struct {
	ID     string          `json:"id"`
	Status pipeline.Status `json:"status"`
}

// handleSubmitWorkflow accepts a run and starts it in the background.
func (s *Server) handleSubmitWorkflow(c echo.Context) error {
	var req SubmitWorkflowRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid workflow request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt field is required")
	}

	opts := req.Options
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	run := &runState{
		ID:        opts.ID,
		Prompt:    req.Prompt,
		StartedAt: time.Now().UTC(),
		status:    pipeline.StatusRunning,
	}
	if err := s.runs.add(run); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	go s.execute(run, req.Prompt, opts)

	s.logger.Info("workflow accepted", zap.String("workflow_id", run.ID))

	return c.JSON(http.StatusAccepted, SubmitWorkflowResponse{
		ID:     run.ID,
		Status: pipeline.StatusRunning,
	})
}

// execute drives one run to completion. The run context ends with the
// run so that anything watching it, like a pending confirmation held
// by the hub, is released.
func (s *Server) execute(run *runState, prompt string, opts pipeline.Options) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := s.deps.Runner.Run(ctx, prompt, opts)
	run.finish(res, err)

	if err != nil {
		s.logger.Warn("workflow finished with error",
			zap.String("workflow_id", run.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("workflow finished",
		zap.String("workflow_id", run.ID),
		zap.String("status", string(res.Status)))
}

// ConfirmationInfo describes the audit findings a paused run wants
// approved.
type ConfirmationInfo struct {
	ContractName string          `json:"contract_name,omitempty"`
	MaxSeverity  audit.Severity  `json:"max_severity"`
	Findings     []audit.Finding `json:"findings"`
	RequestedAt  time.Time       `json:"requested_at"`
}

// WorkflowStatusResponse reports a run that has not finished yet.
type WorkflowStatusResponse struct {
	ID                   string            `json:"id"`
	Status               pipeline.Status   `json:"status"`
	Prompt               string            `json:"prompt"`
	StartedAt            time.Time         `json:"started_at"`
	AwaitingConfirmation *ConfirmationInfo `json:"awaiting_confirmation,omitempty"`
}

// handleGetWorkflow returns the full result for a finished run, or a
// status snapshot while it is still going.
func (s *Server) handleGetWorkflow(c echo.Context) error {
	id := c.Param("id")
	run, ok := s.runs.get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}

	status, result := run.snapshot()
	if result != nil {
		return c.JSON(http.StatusOK, result)
	}

	resp := WorkflowStatusResponse{
		ID:        run.ID,
		Status:    status,
		Prompt:    run.Prompt,
		StartedAt: run.StartedAt,
	}
	if s.deps.Hub != nil {
		if pending, ok := s.deps.Hub.Pending(id); ok {
			req := pending.Request()
			resp.AwaitingConfirmation = &ConfirmationInfo{
				ContractName: req.ContractName,
				MaxSeverity:  req.MaxSeverity,
				Findings:     req.Findings,
				RequestedAt:  req.RequestedAt,
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// ConfirmWorkflowRequest carries the operator's answer for a paused
// run. The answer is parsed like the interactive prompt: empty, "y"
// and "yes" proceed, anything else declines.
type ConfirmWorkflowRequest struct {
	Answer string `json:"answer"`
}

// ConfirmWorkflowResponse reports how the answer was applied.
type ConfirmWorkflowResponse struct {
	ID      string `json:"id"`
	Proceed bool   `json:"proceed"`
}

// handleConfirmWorkflow resolves a pending gate confirmation.
func (s *Server) handleConfirmWorkflow(c echo.Context) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "confirmations not configured")
	}

	id := c.Param("id")
	if _, ok := s.runs.get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}

	var req ConfirmWorkflowRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid confirm request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	proceed := gate.ParseAnswer(req.Answer)
	if !s.deps.Hub.Resolve(id, proceed) {
		return echo.NewHTTPError(http.StatusNotFound, "no confirmation pending for workflow")
	}

	s.logger.Info("confirmation resolved",
		zap.String("workflow_id", id),
		zap.Bool("proceed", proceed))

	return c.JSON(http.StatusOK, ConfirmWorkflowResponse{ID: id, Proceed: proceed})
}

// handleWorkflowEvents streams a run's lifecycle events via
// Server-Sent Events. The stream closes when the run reaches a
// terminal event or the client disconnects.
func (s *Server) handleWorkflowEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming not configured")
	}

	id := c.Param("id")
	run, ok := s.runs.get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe before checking for a finished run so the terminal
	// event cannot slip between the check and the subscription.
	msgChan := make(chan *nats.Msg, 10)
	sub, err := s.deps.Events.ChanSubscribe(events.SubscribeSubject(id), msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if done := s.writeTerminalEvent(c, run); done {
		return nil
	}

	// Heartbeat ticker to prevent proxy timeouts
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			kind := events.KindFromSubject(msg.Subject)
			if kind == "" {
				continue
			}

			fmt.Fprintf(c.Response(), "event: %s\n", kind)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if kind == pipeline.EventCompleted || kind == pipeline.EventFailed {
				return nil
			}

		case <-ticker.C:
			// A run that finished before our subscription reached the
			// broker never delivers its terminal event; settle it here.
			if done := s.writeTerminalEvent(c, run); done {
				return nil
			}
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			// Client disconnected
			return nil
		}
	}
}

// writeTerminalEvent emits the final lifecycle event for an already
// finished run and reports whether it did.
func (s *Server) writeTerminalEvent(c echo.Context, run *runState) bool {
	_, result := run.snapshot()
	if result == nil {
		return false
	}

	kind := pipeline.EventCompleted
	if result.Status != pipeline.StatusDone {
		kind = pipeline.EventFailed
	}
	ev := pipeline.Event{
		WorkflowID: run.ID,
		Kind:       kind,
		Status:     string(result.Status),
		Message:    result.Error,
		At:         result.CompletedAt,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode terminal event", zap.Error(err))
		return true
	}

	fmt.Fprintf(c.Response(), "event: %s\n", kind)
	fmt.Fprintf(c.Response(), "data: %s\n\n", string(data))
	c.Response().Flush()
	return true
}
