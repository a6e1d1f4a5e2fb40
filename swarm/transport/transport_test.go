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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DiscoveryInterval = 50 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	return cfg
}

func newMemoryPair(t *testing.T) (*Memory, *Memory) {
	t.Helper()
	hub := NewNetwork()
	a := NewMemory(hub, common.Node{ID: "node-a", Address: "local"}, testConfig(), nil)
	b := NewMemory(hub, common.Node{ID: "node-b", Address: "local"}, testConfig(), nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b
}

func TestMemoryStartStopIdempotent(t *testing.T) {
	hub := NewNetwork()
	tr := NewMemory(hub, common.Node{ID: "node-a"}, testConfig(), nil)

	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.IsRunning())
	// Second start is a no-op, not an error.
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Stop())
	assert.False(t, tr.IsRunning())
	require.NoError(t, tr.Stop())
}

func TestMemoryConnectRecordsBothSides(t *testing.T) {
	a, b := newMemoryPair(t)

	require.NoError(t, a.Connect(context.Background(), "node-b", "local", 0))
	assert.True(t, a.IsConnected("node-b"))
	assert.True(t, b.IsConnected("node-a"))
	assert.Equal(t, []string{"node-b"}, a.ConnectedPeers())
}

func TestMemoryConnectToSelfFails(t *testing.T) {
	a, _ := newMemoryPair(t)
	err := a.Connect(context.Background(), "node-a", "local", 0)
	assert.ErrorIs(t, err, common.ErrSelfConnect)
}

func TestMemoryConnectUnknownPeerEmitsFailure(t *testing.T) {
	a, _ := newMemoryPair(t)

	var mu sync.Mutex
	var failed []common.Message
	a.OnMessage(common.TypeConnectionFailed, func(msg common.Message) {
		mu.Lock()
		failed = append(failed, msg)
		mu.Unlock()
	})

	err := a.Connect(context.Background(), "node-x", "local", 0)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, "node-x", failed[0].Payload["peer_id"])
}

func TestMemorySendWithoutConnection(t *testing.T) {
	a, _ := newMemoryPair(t)

	err := a.SendMessage(context.Background(), "node-b", "test", nil)
	assert.ErrorIs(t, err, common.ErrNotConnected)
	assert.Equal(t, uint64(1), a.Metrics().FailedMessages)
}

func TestMemorySendDelivers(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "local", 0))

	received := make(chan common.Message, 1)
	b.OnMessage("greeting", func(msg common.Message) {
		received <- msg
	})

	require.NoError(t, a.SendMessage(context.Background(), "node-b", "greeting", map[string]any{"text": "hello"}))

	select {
	case msg := <-received:
		assert.Equal(t, "node-a", msg.From)
		assert.Equal(t, "node-b", msg.To)
		assert.Equal(t, "hello", msg.Payload["text"])
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, common.DefaultMessageTTL, msg.TTL)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBroadcastCountsDeliveries(t *testing.T) {
	hub := NewNetwork()
	cfg := testConfig()
	a := NewMemory(hub, common.Node{ID: "node-a"}, cfg, nil)
	b := NewMemory(hub, common.Node{ID: "node-b"}, cfg, nil)
	c := NewMemory(hub, common.Node{ID: "node-c"}, cfg, nil)
	for _, tr := range []*Memory{a, b, c} {
		require.NoError(t, tr.Start(context.Background()))
		defer tr.Stop()
	}
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))
	require.NoError(t, a.Connect(context.Background(), "node-c", "", 0))

	var mu sync.Mutex
	got := map[string]int{}
	for id, tr := range map[string]*Memory{"b": b, "c": c} {
		id := id
		tr.OnMessage("announce", func(common.Message) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		})
	}

	delivered := a.Broadcast("announce", map[string]any{"n": 1})
	assert.Equal(t, 2, delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got["b"])
	assert.Equal(t, 1, got["c"])
}

func TestMemoryBroadcastDedup(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	var mu sync.Mutex
	count := 0
	b.OnMessage("dup", func(common.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	msg := a.newMessage(common.BroadcastTarget, "dup", nil)
	require.NoError(t, a.deliver("node-b", msg))
	require.NoError(t, a.deliver("node-b", msg))

	mu.Lock()
	assert.Equal(t, 1, count, "same broadcast id must be delivered once")
	mu.Unlock()
	assert.Equal(t, uint64(1), b.Metrics().DuplicatesDropped)
}

func TestHandlerReplacement(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	b.OnMessage("evt", func(common.Message) { first <- struct{}{} })
	b.OnMessage("evt", func(common.Message) { second <- struct{}{} })

	require.NoError(t, a.SendMessage(context.Background(), "node-b", "evt", nil))

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not invoked")
	}
	select {
	case <-first:
		t.Fatal("replaced handler must not fire")
	default:
	}
}

func TestHeartbeatPopulatesKnownNodes(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	assert.Eventually(t, func() bool {
		for _, n := range b.KnownNodes() {
			if n.ID == "node-a" && n.Status == common.NodeOnline {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDiscoveryCarriesCapabilities(t *testing.T) {
	hub := NewNetwork()
	a := NewMemory(hub, common.Node{ID: "node-a", Address: "local", Capabilities: []string{"vision"}}, testConfig(), nil)
	b := NewMemory(hub, common.Node{ID: "node-b", Address: "local"}, testConfig(), nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	defer a.Stop()
	defer b.Stop()
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	assert.Eventually(t, func() bool {
		for _, n := range b.KnownNodes() {
			if n.ID == "node-a" && len(n.Capabilities) == 1 && n.Capabilities[0] == "vision" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestExpiredMessageStillDelivered(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	received := make(chan common.Message, 1)
	b.OnMessage("old", func(msg common.Message) { received <- msg })

	msg := a.newMessage("node-b", "old", nil)
	msg.Timestamp = time.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, a.deliver("node-b", msg))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expired message must still be delivered")
	}
	assert.Equal(t, uint64(1), b.Metrics().ExpiredOnArrival)
}

func TestPingMeasuresLatency(t *testing.T) {
	a, _ := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))

	assert.Eventually(t, func() bool {
		return a.Metrics().AvgLatencyMs > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopDropsReverseEntries(t *testing.T) {
	a, b := newMemoryPair(t)
	require.NoError(t, a.Connect(context.Background(), "node-b", "", 0))
	require.True(t, b.IsConnected("node-a"))

	require.NoError(t, a.Stop())
	assert.False(t, b.IsConnected("node-a"))
}
