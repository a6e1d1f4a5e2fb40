package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxhn/swarmnet/swarm/common"
)

func newWebSocketPair(t *testing.T) (*WebSocket, *WebSocket) {
	t.Helper()
	cfg := testConfig()
	a := NewWebSocket(common.Node{ID: "ws-a", Address: "127.0.0.1", Port: 0}, cfg, nil)
	b := NewWebSocket(common.Node{ID: "ws-b", Address: "127.0.0.1", Port: 0}, cfg, nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b
}

func TestWebSocketEphemeralPortResolved(t *testing.T) {
	a, _ := newWebSocketPair(t)
	_, port := a.Address()
	assert.NotZero(t, port)
}

func TestWebSocketConcurrentStart(t *testing.T) {
	tr := NewWebSocket(common.Node{ID: "ws-x", Address: "127.0.0.1", Port: 0}, testConfig(), nil)

	// Only one of the racing starts may bind a listener; the rest are no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Start(context.Background()))
		}()
	}
	wg.Wait()
	defer tr.Stop()

	assert.True(t, tr.IsRunning())
	_, port := tr.Address()
	assert.NotZero(t, port)
}

func TestWebSocketConnectAndSend(t *testing.T) {
	a, b := newWebSocketPair(t)
	addr, port := b.Address()

	require.NoError(t, a.Connect(context.Background(), "ws-b", addr, port))
	require.True(t, b.waitConnected("ws-a", time.Second), "acceptor must record the dialer")

	received := make(chan common.Message, 1)
	b.OnMessage("greeting", func(msg common.Message) { received <- msg })

	require.NoError(t, a.SendMessage(context.Background(), "ws-b", "greeting", map[string]any{"text": "hi"}))

	select {
	case msg := <-received:
		assert.Equal(t, "ws-a", msg.From)
		assert.Equal(t, "hi", msg.Payload["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWebSocketReplyOverAcceptedConnection(t *testing.T) {
	a, b := newWebSocketPair(t)
	addr, port := b.Address()
	require.NoError(t, a.Connect(context.Background(), "ws-b", addr, port))
	require.True(t, b.waitConnected("ws-a", time.Second))

	received := make(chan common.Message, 1)
	a.OnMessage("reply", func(msg common.Message) { received <- msg })

	// The acceptor sends back without ever dialing.
	require.NoError(t, b.SendMessage(context.Background(), "ws-a", "reply", nil))

	select {
	case msg := <-received:
		assert.Equal(t, "ws-b", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestWebSocketConnectRefusedEmitsFailure(t *testing.T) {
	a, _ := newWebSocketPair(t)

	failed := make(chan common.Message, 1)
	a.OnMessage(common.TypeConnectionFailed, func(msg common.Message) { failed <- msg })

	err := a.Connect(context.Background(), "ws-x", "127.0.0.1", 1)
	require.Error(t, err)

	select {
	case msg := <-failed:
		assert.Equal(t, "ws-x", msg.Payload["peer_id"])
	case <-time.After(time.Second):
		t.Fatal("connection_failed not emitted")
	}
}

func TestWebSocketDisconnectDropsEntry(t *testing.T) {
	a, b := newWebSocketPair(t)
	addr, port := b.Address()
	require.NoError(t, a.Connect(context.Background(), "ws-b", addr, port))

	a.Disconnect("ws-b")
	assert.False(t, a.IsConnected("ws-b"))

	err := a.SendMessage(context.Background(), "ws-b", "greeting", nil)
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestWebSocketBroadcast(t *testing.T) {
	a, b := newWebSocketPair(t)
	c := NewWebSocket(common.Node{ID: "ws-c", Address: "127.0.0.1", Port: 0}, testConfig(), nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	bAddr, bPort := b.Address()
	cAddr, cPort := c.Address()
	require.NoError(t, a.Connect(context.Background(), "ws-b", bAddr, bPort))
	require.NoError(t, a.Connect(context.Background(), "ws-c", cAddr, cPort))

	gotB := make(chan struct{}, 1)
	gotC := make(chan struct{}, 1)
	b.OnMessage("announce", func(common.Message) { gotB <- struct{}{} })
	c.OnMessage("announce", func(common.Message) { gotC <- struct{}{} })

	delivered := a.Broadcast("announce", nil)
	assert.Equal(t, 2, delivered)

	for _, ch := range []chan struct{}{gotB, gotC} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}
