package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/mxhn/swarmnet/swarm/common"
)

// Network is the in-process hub joining Memory transports. It stands in for
// the wire: lookups by node id replace dialing, and delivery is a direct
// call into the receiving transport's dispatch path.
type Network struct {
	members map[string]*Memory
	mu      sync.RWMutex
}

// NewNetwork creates an empty hub.
func NewNetwork() *Network {
	return &Network{members: make(map[string]*Memory)}
}

func (n *Network) attach(t *Memory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[t.local.ID] = t
}

func (n *Network) detach(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.members, id)
}

func (n *Network) lookup(id string) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.members[id]
	return t, ok
}

// Memory implements common.Transport entirely in-process. Used by tests and
// by single-process swarms; selected by dependency injection, same as the
// real transports.
type Memory struct {
	core
	network *Network

	peers  map[string]time.Time // peer id -> connected since
	peerMu sync.RWMutex
}

// NewMemory creates a memory transport for the given node. The transport
// joins the hub on Start and leaves it on Stop.
func NewMemory(network *Network, local common.Node, cfg Config, logger *slog.Logger) *Memory {
	t := &Memory{
		core:    newCore(local, cfg, logger),
		network: network,
		peers:   make(map[string]time.Time),
	}
	t.logger = t.logger.With("component", "memory-transport")
	t.sendFn = t.sendTo
	t.broadcastFn = t.Broadcast
	t.connCount = t.peerCount
	return t
}

func (t *Memory) Address() (string, int) {
	return t.local.Address, t.local.Port
}

func (t *Memory) Start(ctx context.Context) error {
	if !t.begin() {
		return nil
	}
	t.network.attach(t)
	t.logger.Info("transport started")
	return nil
}

func (t *Memory) Stop() error {
	if !t.end() {
		return nil
	}
	t.network.detach(t.local.ID)

	t.peerMu.Lock()
	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	t.peers = make(map[string]time.Time)
	t.peerMu.Unlock()

	// Drop the reverse entries so peers observe the closure, as a closed
	// socket would make them.
	for _, id := range peers {
		if remote, ok := t.network.lookup(id); ok {
			remote.dropPeer(t.local.ID)
		}
	}
	t.logger.Info("transport stopped")
	return nil
}

// Connect links this transport to a peer on the same hub. Address and port
// are accepted for contract parity but the hub resolves by node id.
func (t *Memory) Connect(ctx context.Context, peerID, address string, port int) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	if peerID == t.local.ID {
		return common.ErrSelfConnect
	}

	remote, ok := t.network.lookup(peerID)
	if !ok || !remote.running.Load() {
		err := fmt.Errorf("peer %s unreachable", common.ShortID(peerID))
		t.emitLocal(common.TypeConnectionFailed, map[string]any{
			"peer_id": peerID,
			"error":   err.Error(),
		})
		return err
	}

	now := time.Now()
	t.peerMu.Lock()
	t.peers[peerID] = now
	t.peerMu.Unlock()

	// Accepting side records the reverse link, mirroring an accepted dial.
	remote.peerMu.Lock()
	remote.peers[t.local.ID] = now
	remote.peerMu.Unlock()

	t.logger.Debug("connected to peer", "peer", common.ShortID(peerID))
	return nil
}

func (t *Memory) Disconnect(peerID string) {
	t.dropPeer(peerID)
	if remote, ok := t.network.lookup(peerID); ok {
		remote.dropPeer(t.local.ID)
	}
}

func (t *Memory) dropPeer(peerID string) {
	t.peerMu.Lock()
	_, had := t.peers[peerID]
	delete(t.peers, peerID)
	t.peerMu.Unlock()
	if had {
		t.dropLatency(peerID)
		t.logger.Debug("disconnected from peer", "peer", common.ShortID(peerID))
	}
}

func (t *Memory) IsConnected(peerID string) bool {
	t.peerMu.RLock()
	defer t.peerMu.RUnlock()
	_, ok := t.peers[peerID]
	return ok
}

func (t *Memory) ConnectedPeers() []string {
	t.peerMu.RLock()
	defer t.peerMu.RUnlock()
	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (t *Memory) peerCount() int {
	t.peerMu.RLock()
	defer t.peerMu.RUnlock()
	return len(t.peers)
}

// SendMessage requires an existing connection entry for the destination.
func (t *Memory) SendMessage(ctx context.Context, to, msgType string, payload map[string]any) error {
	return t.sendTo(to, msgType, payload)
}

func (t *Memory) sendTo(to, msgType string, payload map[string]any) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	if !t.IsConnected(to) {
		t.recordFailed()
		return common.ErrNotConnected
	}
	return t.deliver(to, t.newMessage(to, msgType, payload))
}

// Broadcast sends one message body to every connected peer and returns the
// delivered count. Partial failures are logged, never escalated.
func (t *Memory) Broadcast(msgType string, payload map[string]any) int {
	if !t.running.Load() {
		return 0
	}
	msg := t.newMessage(common.BroadcastTarget, msgType, payload)
	delivered := 0
	for _, peerID := range t.ConnectedPeers() {
		if err := t.deliver(peerID, msg); err != nil {
			t.logger.Debug("broadcast delivery failed", "peer", common.ShortID(peerID), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// deliver simulates the wire with a JSON round-trip so receivers never
// share payload memory with senders.
func (t *Memory) deliver(peerID string, msg common.Message) error {
	remote, ok := t.network.lookup(peerID)
	if !ok || !remote.running.Load() {
		t.recordFailed()
		return common.ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.recordFailed()
		return fmt.Errorf("marshal message: %w", err)
	}
	var copied common.Message
	if err := json.Unmarshal(data, &copied); err != nil {
		t.recordFailed()
		return fmt.Errorf("unmarshal message: %w", err)
	}

	t.recordSent(len(data))
	t.peerMu.Lock()
	if _, ok := t.peers[peerID]; ok {
		t.peers[peerID] = time.Now()
	}
	t.peerMu.Unlock()

	remote.dispatch(copied, len(data))
	return nil
}
