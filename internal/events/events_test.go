package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/synth"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
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

func receive(t *testing.T, sub *nats.Subscription) Event {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	return event
}

func TestNATSPublisher_Ingest(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ragd.ingest.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), IngestEvent("docs/guide.md", 3, 4)))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ragd.ingest."+SourceHash("docs/guide.md"), msg.Subject)

	var event Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, TypeIngest, event.Type)
	assert.Equal(t, "docs/guide.md", event.Source)
	require.NotNil(t, event.ChunksDeleted)
	require.NotNil(t, event.ChunksInserted)
	assert.Equal(t, 3, *event.ChunksDeleted)
	assert.Equal(t, 4, *event.ChunksInserted)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestNATSPublisher_Answer(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("search.answer")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub := NewNATSPublisher(nc, "search", nil)
	citations := []synth.Citation{{Source: "a.md", ChunkIndex: 2}}
	require.NoError(t, pub.Publish(context.Background(), AnswerEvent(citations)))
	require.NoError(t, nc.Flush())

	event := receive(t, sub)
	assert.Equal(t, TypeAnswer, event.Type)
	assert.Equal(t, citations, event.Citations)
	assert.Nil(t, event.ChunksInserted)

	// The caller keeps the connection.
	require.NoError(t, pub.Close())
	assert.False(t, nc.IsClosed())
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewNATSPublisher(nc, "", nil).Publish(ctx, AnswerEvent(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnect_EmptyURL(t *testing.T) {
	pub, err := Connect("", "ragd", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), AnswerEvent(nil)))
	assert.NoError(t, pub.Close())
}

func TestSourceHash(t *testing.T) {
	assert.Equal(t, SourceHash("a.md"), SourceHash("a.md"))
	assert.NotEqual(t, SourceHash("a.md"), SourceHash("b.md"))
	assert.Len(t, SourceHash("docs/with.dots/and spaces.md"), 16)
	assert.NotContains(t, SourceHash("x.y"), ".")
}
