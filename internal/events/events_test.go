package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crucible/internal/pipeline"
)

func startTestServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "workflows.wf-9.started", Subject("wf-9", pipeline.EventStarted))
	assert.Equal(t, "workflows.wf-9.*", SubscribeSubject("wf-9"))
}

func TestKindFromSubject(t *testing.T) {
	assert.Equal(t, "completed", KindFromSubject("workflows.wf-9.completed"))
	assert.Equal(t, "stage", KindFromSubject("workflows.wf-9.stage"))
	assert.Equal(t, "", KindFromSubject("operations.wf-9.stage"))
	assert.Equal(t, "", KindFromSubject("bogus"))
}

func TestPublisher_Publish(t *testing.T) {
	srv := startTestServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgChan := make(chan *nats.Msg, 10)
	sub, err := nc.ChanSubscribe(SubscribeSubject("wf-1"), msgChan)
	require.NoError(t, err)
	defer func() {
		_ = sub.Unsubscribe()
	}()

	pub := NewPublisher(nc, zap.NewNop())
	ev := pipeline.Event{
		WorkflowID: "wf-1",
		Kind:       pipeline.EventStage,
		Stage:      pipeline.StageDeploy,
		Status:     "SUCCESS",
		Message:    "deployed 0xabc to sepolia",
		At:         time.Now().UTC(),
	}
	pub.Publish(context.Background(), ev)

	select {
	case msg := <-msgChan:
		assert.Equal(t, "workflows.wf-1.stage", msg.Subject)

		var got pipeline.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev.WorkflowID, got.WorkflowID)
		assert.Equal(t, ev.Kind, got.Kind)
		assert.Equal(t, ev.Stage, got.Stage)
		assert.Equal(t, ev.Status, got.Status)
		assert.Equal(t, ev.Message, got.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestPublisher_PublishSequence(t *testing.T) {
	srv := startTestServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgChan := make(chan *nats.Msg, 10)
	sub, err := nc.ChanSubscribe(SubscribeSubject("wf-2"), msgChan)
	require.NoError(t, err)
	defer func() {
		_ = sub.Unsubscribe()
	}()

	pub := NewPublisher(nc, zap.NewNop())
	pub.Publish(context.Background(), pipeline.Event{WorkflowID: "wf-2", Kind: pipeline.EventStarted})
	pub.Publish(context.Background(), pipeline.Event{WorkflowID: "wf-2", Kind: pipeline.EventCompleted, Status: "DONE"})

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-msgChan:
			kinds = append(kinds, KindFromSubject(msg.Subject))
		case <-time.After(2 * time.Second):
			t.Fatal("event not received")
		}
	}
	assert.Equal(t, []string{"started", "completed"}, kinds)
}

func TestPublisher_DropsUnaddressedEvent(t *testing.T) {
	srv := startTestServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgChan := make(chan *nats.Msg, 10)
	sub, err := nc.ChanSubscribe("workflows.>", msgChan)
	require.NoError(t, err)
	defer func() {
		_ = sub.Unsubscribe()
	}()

	pub := NewPublisher(nc, zap.NewNop())
	pub.Publish(context.Background(), pipeline.Event{Kind: pipeline.EventLog, Message: "orphan"})

	select {
	case msg := <-msgChan:
		t.Fatalf("unexpected message on %s", msg.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartEmbedded(t *testing.T) {
	srv, err := StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	defer func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	}()

	nc, err := Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	assert.True(t, nc.IsConnected())
}
