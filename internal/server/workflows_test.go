package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/audit"
	"github.com/fyrsmithlabs/crucible/internal/events"
	"github.com/fyrsmithlabs/crucible/internal/gate"
	"github.com/fyrsmithlabs/crucible/internal/pipeline"
)

// submit posts a workflow and returns the accepted ID.
func submit(t *testing.T, fix *testFixture, body string) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	fix.server.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitWorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

// waitFinished blocks until the run's result is recorded.
func waitFinished(t *testing.T, fix *testFixture, id string) *pipeline.Result {
	t.Helper()

	var result *pipeline.Result
	require.Eventually(t, func() bool {
		run, ok := fix.server.runs.get(id)
		if !ok {
			return false
		}
		_, result = run.snapshot()
		return result != nil
	}, 2*time.Second, 10*time.Millisecond)
	return result
}

func TestHandleSubmitWorkflow(t *testing.T) {
	t.Run("accepts a run and records its result", func(t *testing.T) {
		fix := setupTestServer(t)

		id := submit(t, fix, `{"prompt": "an ERC-20 token with minting"}`)
		result := waitFinished(t, fix, id)

		assert.Equal(t, pipeline.StatusDone, result.Status)
		assert.Equal(t, id, result.ID)

		prompts, opts := fix.runner.calls()
		require.Len(t, prompts, 1)
		assert.Equal(t, "an ERC-20 token with minting", prompts[0])
		assert.Equal(t, id, opts[0].ID)
	})

	t.Run("passes run options through", func(t *testing.T) {
		fix := setupTestServer(t)

		id := submit(t, fix, `{"prompt": "a vault", "options": {"network": "sepolia", "test_only": true}}`)
		waitFinished(t, fix, id)

		_, opts := fix.runner.calls()
		require.Len(t, opts, 1)
		assert.Equal(t, "sepolia", opts[0].Network)
		assert.True(t, opts[0].TestOnly)
	})

	t.Run("uses the caller's workflow id", func(t *testing.T) {
		fix := setupTestServer(t)

		id := submit(t, fix, `{"prompt": "a vault", "options": {"id": "wf-fixed"}}`)
		assert.Equal(t, "wf-fixed", id)
	})

	t.Run("rejects a duplicate workflow id", func(t *testing.T) {
		fix := setupTestServer(t)

		submit(t, fix, `{"prompt": "a vault", "options": {"id": "wf-dup"}}`)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows",
			strings.NewReader(`{"prompt": "a vault", "options": {"id": "wf-dup"}}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		fix.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rejects an empty prompt", func(t *testing.T) {
		fix := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(`{"prompt": ""}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		fix.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an invalid body", func(t *testing.T) {
		fix := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(`{not json`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()

		fix.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("records a failed run", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.err = errors.New("generator unavailable")

		id := submit(t, fix, `{"prompt": "a vault"}`)
		result := waitFinished(t, fix, id)

		assert.Equal(t, pipeline.StatusFailed, result.Status)
		assert.Equal(t, "generator unavailable", result.Error)
	})
}

func TestHandleGetWorkflow(t *testing.T) {
	t.Run("reports a live run", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+id, nil)
		rec := httptest.NewRecorder()
		fix.server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp WorkflowStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, id, resp.ID)
		assert.Equal(t, pipeline.StatusRunning, resp.Status)
		assert.Equal(t, "a vault", resp.Prompt)
		assert.Nil(t, resp.AwaitingConfirmation)
	})

	t.Run("returns the full result once finished", func(t *testing.T) {
		fix := setupTestServer(t)

		id := submit(t, fix, `{"prompt": "a vault"}`)
		waitFinished(t, fix, id)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+id, nil)
		rec := httptest.NewRecorder()
		fix.server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var result pipeline.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, pipeline.StatusDone, result.Status)
		assert.Equal(t, "Token", result.ContractName)
		assert.Len(t, result.Stages, 2)
	})

	t.Run("reports a pending confirmation", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		pending := gate.NewPendingConfirmation(gate.ConfirmationRequest{
			WorkflowID:   id,
			ContractName: "Vault",
			MaxSeverity:  audit.SeverityHigh,
			Findings: []audit.Finding{
				{Severity: audit.SeverityHigh, Category: "reentrancy", Description: "external call before state update"},
			},
			RequestedAt: time.Now().UTC(),
		})
		require.NoError(t, fix.hub.Confirm(ctx, pending))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+id, nil)
		rec := httptest.NewRecorder()
		fix.server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp WorkflowStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.AwaitingConfirmation)
		assert.Equal(t, "Vault", resp.AwaitingConfirmation.ContractName)
		assert.Equal(t, audit.SeverityHigh, resp.AwaitingConfirmation.MaxSeverity)
		assert.Len(t, resp.AwaitingConfirmation.Findings, 1)
	})

	t.Run("returns 404 for an unknown workflow", func(t *testing.T) {
		fix := setupTestServer(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-missing", nil)
		rec := httptest.NewRecorder()
		fix.server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

// confirm posts an answer for a paused run.
func confirm(t *testing.T, fix *testFixture, id, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+id+"/confirm", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	fix.server.echo.ServeHTTP(rec, req)
	return rec
}

// registerPending parks a confirmation for the run on the hub.
func registerPending(t *testing.T, fix *testFixture, id string) *gate.PendingConfirmation {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pending := gate.NewPendingConfirmation(gate.ConfirmationRequest{
		WorkflowID:  id,
		MaxSeverity: audit.SeverityHigh,
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, fix.hub.Confirm(ctx, pending))
	return pending
}

func TestHandleConfirmWorkflow(t *testing.T) {
	t.Run("approves a pending confirmation", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)
		pending := registerPending(t, fix, id)

		rec := confirm(t, fix, id, `{"answer": "yes"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ConfirmWorkflowResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Proceed)

		assert.True(t, pending.Wait(context.Background()))
		_, ok := fix.hub.Pending(id)
		assert.False(t, ok, "resolved confirmation should leave the hub")
	})

	t.Run("declines with a negative answer", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)
		pending := registerPending(t, fix, id)

		rec := confirm(t, fix, id, `{"answer": "n"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ConfirmWorkflowResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Proceed)
		assert.False(t, pending.Wait(context.Background()))
	})

	t.Run("empty answer proceeds", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)
		pending := registerPending(t, fix, id)

		rec := confirm(t, fix, id, `{"answer": ""}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, pending.Wait(context.Background()))
	})

	t.Run("returns 404 when nothing is pending", func(t *testing.T) {
		fix := setupTestServer(t)
		fix.runner.block = make(chan struct{})
		defer close(fix.runner.block)

		id := submit(t, fix, `{"prompt": "a vault"}`)

		rec := confirm(t, fix, id, `{"answer": "yes"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns 404 for an unknown workflow", func(t *testing.T) {
		fix := setupTestServer(t)

		rec := confirm(t, fix, "wf-missing", `{"answer": "yes"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns 503 without a hub", func(t *testing.T) {
		srv, err := NewServer(Deps{
			Runner:    &fakeRunner{result: doneResult("")},
			Artifacts: newFakeStore(),
		}, zap.NewNop(), nil)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/confirm",
			strings.NewReader(`{"answer": "yes"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

// setupEventsServer builds a server wired to an embedded NATS broker.
func setupEventsServer(t *testing.T) (*Server, *events.Publisher) {
	t.Helper()

	broker, err := events.StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(func() {
		broker.Shutdown()
		broker.WaitForShutdown()
	})

	nc, err := events.Connect(broker.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	srv, err := NewServer(Deps{
		Runner:    &fakeRunner{result: doneResult("")},
		Artifacts: newFakeStore(),
		Events:    nc,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	return srv, events.NewPublisher(nc, zap.NewNop())
}

func TestHandleWorkflowEvents(t *testing.T) {
	t.Run("streams events until the run completes", func(t *testing.T) {
		srv, publisher := setupEventsServer(t)

		run := &runState{ID: "wf-9", Prompt: "a vault", StartedAt: time.Now().UTC(), status: pipeline.StatusRunning}
		require.NoError(t, srv.runs.add(run))

		ts := httptest.NewServer(srv.Echo())
		defer ts.Close()

		lines := make(chan string, 64)
		go func() {
			defer close(lines)
			resp, err := http.Get(ts.URL + "/api/v1/workflows/wf-9/events")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		stage := pipeline.Event{
			WorkflowID: "wf-9",
			Kind:       pipeline.EventStage,
			Stage:      pipeline.StageGenerate,
			Status:     string(pipeline.StageStatusSuccess),
			At:         time.Now().UTC(),
		}

		// The subscription is established inside the handler, so
		// publish until the stream yields its first event.
		var first string
		deadline := time.After(5 * time.Second)
		for first == "" {
			publisher.Publish(context.Background(), stage)
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream closed before any event arrived")
				}
				if strings.HasPrefix(line, "event:") {
					first = line
				}
			case <-time.After(50 * time.Millisecond):
			case <-deadline:
				t.Fatal("no event arrived on the stream")
			}
		}
		assert.Equal(t, "event: stage", first)

		publisher.Publish(context.Background(), pipeline.Event{
			WorkflowID: "wf-9",
			Kind:       pipeline.EventCompleted,
			Status:     string(pipeline.StatusDone),
			At:         time.Now().UTC(),
		})

		sawCompleted := false
		drain := time.After(5 * time.Second)
	loop:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					break loop
				}
				if line == "event: completed" {
					sawCompleted = true
				}
			case <-drain:
				t.Fatal("stream did not close after the terminal event")
			}
		}
		assert.True(t, sawCompleted, "stream should carry the completed event")
	})

	t.Run("emits the terminal event for a finished run", func(t *testing.T) {
		srv, _ := setupEventsServer(t)

		run := &runState{ID: "wf-done", Prompt: "a vault", StartedAt: time.Now().UTC()}
		run.finish(doneResult("wf-done"), nil)
		require.NoError(t, srv.runs.add(run))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-done/events", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		assert.Contains(t, body, "event: completed")
		assert.Contains(t, body, `"status":"DONE"`)
	})

	t.Run("marks a cancelled run failed", func(t *testing.T) {
		srv, _ := setupEventsServer(t)

		result := doneResult("wf-cancelled")
		result.Status = pipeline.StatusCancelled
		run := &runState{ID: "wf-cancelled", Prompt: "a vault", StartedAt: time.Now().UTC()}
		run.finish(result, nil)
		require.NoError(t, srv.runs.add(run))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-cancelled/events", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)

		body := rec.Body.String()
		assert.Contains(t, body, "event: failed")
		assert.Contains(t, body, `"status":"CANCELLED"`)
	})

	t.Run("returns 404 for an unknown workflow", func(t *testing.T) {
		srv, _ := setupEventsServer(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-missing/events", nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns 503 without an events connection", func(t *testing.T) {
		fix := setupTestServer(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1/events", nil)
		rec := httptest.NewRecorder()
		fix.server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
