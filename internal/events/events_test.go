package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestPublish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("test.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(server.ClientURL(), "test.", nil)
	require.NoError(t, err)

	ctx := logging.WithTurnID(context.Background(), "turn-1")
	p.Publish(ctx, New(PhaseAdvanced, "conv-1", map[string]any{"from": 1, "to": 2}))
	require.NoError(t, p.Close())

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.phase.advanced.conv-1", msg.Subject)
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, PhaseAdvanced, e.Type)
		assert.Equal(t, "conv-1", e.ConversationID)
		assert.Equal(t, "turn-1", e.TurnID)
		assert.NotEmpty(t, e.ID)
		assert.EqualValues(t, 2, e.Data["to"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestSubject(t *testing.T) {
	p := NewNATS(nil, "", nil)
	assert.Equal(t, "turnd.turn.completed.abc", p.Subject(Event{Type: TurnCompleted, ConversationID: "abc"}))
	assert.Equal(t, "turnd.job.failed._", p.Subject(Event{Type: JobFailed, ConversationID: "a.b"}))
	assert.Equal(t, "turnd.job.failed._", p.Subject(Event{Type: JobFailed}))
}

func TestPublishOnClosedConnectionDoesNotPanic(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	logger := logging.NewTestLogger()
	p := NewNATS(nc, "x", logger.Logger)
	p.Publish(context.Background(), New(TurnFailed, "c", nil))
	logger.AssertField(t, "publish event failed", "type", TurnFailed)
	assert.NoError(t, p.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(context.Background(), New(TurnCompleted, "c", nil))
	assert.NoError(t, p.Close())
}
