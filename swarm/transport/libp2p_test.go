package transport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxhn/swarmnet/swarm/common"
)

func newLibp2pNode(t *testing.T, id string) *Libp2p {
	t.Helper()
	tr := NewLibp2p(common.Node{ID: id, Address: "127.0.0.1", Port: 0}, testConfig(), nil)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestLibp2pStartStopIdempotent(t *testing.T) {
	tr := NewLibp2p(common.Node{ID: "lp-a", Address: "127.0.0.1", Port: 0}, testConfig(), nil)
	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.IsRunning())
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Stop())
	assert.False(t, tr.IsRunning())
	require.NoError(t, tr.Stop())
}

func TestLibp2pWriteAfterStopFailsCleanly(t *testing.T) {
	tr := newLibp2pNode(t, "lp-a")
	require.NoError(t, tr.Stop())

	// A send that snapshotted its peer before Stop must get an error, not a
	// nil host dereference.
	err := tr.writeFrame(context.Background(), "lp-b", peer.ID("ghost"), common.Message{ID: "m1"})
	assert.ErrorIs(t, err, common.ErrNotRunning)
	assert.Empty(t, tr.HostAddr())
	assert.Nil(t, tr.ConnectedPeers())
	assert.False(t, tr.IsConnected("lp-b"))
}

func TestLibp2pStopDuringSendsDoesNotPanic(t *testing.T) {
	tr := newLibp2pNode(t, "lp-a")
	tr.remoteMu.Lock()
	tr.remotes["ghost"] = peer.ID("ghost-peer")
	tr.remoteMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			tr.Broadcast("evt", nil)
		}
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.Stop())
	<-done
	assert.False(t, tr.IsRunning())
}

func TestLibp2pConnectAndSend(t *testing.T) {
	a := newLibp2pNode(t, "lp-a")
	b := newLibp2pNode(t, "lp-b")

	require.NoError(t, a.Connect(context.Background(), "lp-b", b.HostAddr(), 0))

	received := make(chan common.Message, 1)
	b.OnMessage("greeting", func(msg common.Message) { received <- msg })

	require.NoError(t, a.SendMessage(context.Background(), "lp-b", "greeting", map[string]any{"text": "hi"}))

	select {
	case msg := <-received:
		assert.Equal(t, "lp-a", msg.From)
		assert.Equal(t, "hi", msg.Payload["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
