package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
	"github.com/jorgeolive/peregrinapp-backend/internal/protocol"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state/statemanager"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) Send(m []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, m)
}

func (f *fakeTransport) Close(error) {}

func (f *fakeTransport) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) statuses(t *testing.T) []protocol.MessageStatusPayload {
	t.Helper()
	var out []protocol.MessageStatusPayload
	for _, env := range f.envelopes(t) {
		if env.Event == protocol.EventMessageStatus {
			var p protocol.MessageStatusPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) newMessages(t *testing.T) []protocol.NewMessagePayload {
	t.Helper()
	var out []protocol.NewMessagePayload
	for _, env := range f.envelopes(t) {
		if env.Event == protocol.EventNewMessage {
			var p protocol.NewMessagePayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	registry *statemanager.InMemoryRegistry
	sessions *statemanager.SessionTable
}

func newFixture(cfg Config) *fixture {
	logger := newTestLogger()
	registry := statemanager.NewInMemoryRegistry(logger)
	sessions := statemanager.NewSessionTable(logger)
	directory := identity.NewStaticDirectory(
		identity.User{ID: "alice", DisplayName: "Alice", IsActivated: true, DMsEnabled: true},
		identity.User{ID: "bob", DisplayName: "Bob", IsActivated: true, DMsEnabled: true},
		identity.User{ID: "carol", DisplayName: "Carol", IsActivated: true, DMsEnabled: false},
	)
	return &fixture{
		engine:   NewEngine(logger, registry, sessions, directory, cfg),
		registry: registry,
		sessions: sessions,
	}
}

func defaultConfig() Config {
	return Config{RetryInterval: 30 * time.Second, MessageTTL: 5 * time.Minute, MaxAttempts: 10}
}

func connect(f *fixture, userID string) *fakeTransport {
	ft := &fakeTransport{}
	f.registry.Register(&state.Connection{
		UserID:      userID,
		Transport:   ft,
		DMsEnabled:  true,
		ConnectedAt: time.Now(),
	})
	return ft
}

func TestSendOnlineFastPath(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")
	bob := connect(f, "bob")

	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")

	msgs := bob.newMessages(t)
	require.Len(t, msgs, 1, "recipient must receive exactly one new_message")
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "hola", msgs[0].Message)
	assert.Equal(t, protocol.StatusDelivered, msgs[0].Status)

	statuses := alice.statuses(t)
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StatusDelivered, statuses[0].Status)

	assert.True(t, f.sessions.HasSession("alice", "bob"))
	assert.Equal(t, 0, f.engine.PendingCount())
}

func TestSendSelfRejected(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")

	f.engine.Send(context.Background(), "alice", "alice", "me", "m1")

	statuses := alice.statuses(t)
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StatusError, statuses[0].Status)
	assert.NotEmpty(t, statuses[0].Error)
	assert.Equal(t, 0, f.engine.PendingCount(), "self-sends are never queued")
	assert.Empty(t, alice.newMessages(t))
}

func TestSendMissingAndUnknownRecipient(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")

	f.engine.Send(context.Background(), "alice", "", "hi", "m1")
	f.engine.Send(context.Background(), "alice", "nobody", "hi", "m2")

	statuses := alice.statuses(t)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, protocol.StatusError, s.Status)
	}
	assert.Equal(t, 0, f.engine.PendingCount())
}

func TestSendRecipientWithDMsDisabled(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")
	connect(f, "carol")

	f.engine.Send(context.Background(), "alice", "carol", "hi", "m1")

	statuses := alice.statuses(t)
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StatusError, statuses[0].Status)
}

func TestOfflineQueueThenFlushOnConnect(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")

	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")

	statuses := alice.statuses(t)
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StatusPending, statuses[0].Status)
	assert.Equal(t, 1, f.engine.PendingCount())

	// Bob connects inside the retry window.
	bob := connect(f, "bob")
	f.engine.FlushFor("bob")

	msgs := bob.newMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, protocol.StatusDelivered, msgs[0].Status)

	statuses = alice.statuses(t)
	require.Len(t, statuses, 2)
	assert.Equal(t, protocol.StatusDelivered, statuses[1].Status)
	assert.Equal(t, 0, f.engine.PendingCount(), "delivered message must leave the queue")
}

func TestSweepDeliversWhenRecipientOnline(t *testing.T) {
	f := newFixture(defaultConfig())
	connect(f, "alice")
	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")

	bob := connect(f, "bob")
	f.engine.sweep()

	require.Len(t, bob.newMessages(t), 1)
	assert.Equal(t, 0, f.engine.PendingCount())

	// A second sweep is a no-op: the message no longer exists.
	f.engine.sweep()
	assert.Len(t, bob.newMessages(t), 1)
}

func TestSweepExhaustsAttempts(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxAttempts = 2
	f := newFixture(cfg)
	alice := connect(f, "alice")

	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")
	f.engine.sweep()
	f.engine.sweep()

	statuses := alice.statuses(t)
	require.Len(t, statuses, 2)
	assert.Equal(t, protocol.StatusPending, statuses[0].Status)
	assert.Equal(t, protocol.StatusFailed, statuses[1].Status)
	assert.Equal(t, 0, f.engine.PendingCount(), "failed message must leave the queue")
}

// reentrantTransport calls back into the engine from inside Send, the way a
// connect arriving mid-sweep would.
type reentrantTransport struct {
	fakeTransport
	onSend func()
}

func (r *reentrantTransport) Send(m []byte) {
	r.fakeTransport.Send(m)
	if r.onSend != nil {
		r.onSend()
	}
}

func TestSweepDeliversWithoutHoldingEngineLock(t *testing.T) {
	f := newFixture(defaultConfig())
	connect(f, "alice")
	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")

	rt := &reentrantTransport{}
	rt.onSend = func() { f.engine.FlushFor("bob") }
	f.registry.Register(&state.Connection{UserID: "bob", Transport: rt, DMsEnabled: true, ConnectedAt: time.Now()})

	done := make(chan struct{})
	go func() {
		f.engine.sweep()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep blocked while delivering")
	}

	require.Len(t, rt.newMessages(t), 1)
	assert.Equal(t, 0, f.engine.PendingCount())
}

func TestFlushDeliversWithoutHoldingEngineLock(t *testing.T) {
	f := newFixture(defaultConfig())
	connect(f, "alice")
	f.engine.Send(context.Background(), "alice", "bob", "hola", "m1")

	rt := &reentrantTransport{}
	rt.onSend = func() { f.engine.sweep() }
	f.registry.Register(&state.Connection{UserID: "bob", Transport: rt, DMsEnabled: true, ConnectedAt: time.Now()})

	done := make(chan struct{})
	go func() {
		f.engine.FlushFor("bob")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush blocked while delivering")
	}

	require.Len(t, rt.newMessages(t), 1)
}

func TestSendGeneratesMessageID(t *testing.T) {
	f := newFixture(defaultConfig())
	connect(f, "alice")
	bob := connect(f, "bob")

	f.engine.Send(context.Background(), "alice", "bob", "hola", "")

	msgs := bob.newMessages(t)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].MessageID)
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(defaultConfig())
	alice := connect(f, "alice")

	f.engine.MarkSeen("m1", "alice", "bob")

	envs := alice.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventMessageSeen, envs[0].Event)
	var p protocol.MessageSeenPayload
	require.NoError(t, json.Unmarshal(envs[0].Payload, &p))
	assert.Equal(t, "m1", p.MessageID)
	assert.Equal(t, "bob", p.SeenBy)

	// No error surfaces when the sender is gone.
	f.engine.MarkSeen("m2", "nobody", "bob")
}
