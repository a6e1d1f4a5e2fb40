package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"log/slog"

	libp2p "github.com/libp2p/go-libp2p"
	lhost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/mxhn/swarmnet/swarm/common"
)

const swarmProtocol = "/swarmnet/1.0.0"

// Libp2p implements common.Transport over libp2p streams. Peers are
// addressed by multiaddr (the address argument of Connect carries the full
// /ip4/.../p2p/... form; the port argument is ignored). Every message is a
// single fire-and-forget JSON frame on a fresh stream.
type Libp2p struct {
	core

	// host is created by Start and nilled by Stop while sends and health
	// restarts may run concurrently, so every access goes through hostMu.
	host   lhost.Host
	hostMu sync.RWMutex

	// swarm node id -> libp2p identity, learned on dial or first inbound
	// stream.
	remotes  map[string]peer.ID
	remoteMu sync.RWMutex
}

// NewLibp2p creates a libp2p transport for the given node. The host is not
// created until Start so a stopped transport holds no sockets.
func NewLibp2p(local common.Node, cfg Config, logger *slog.Logger) *Libp2p {
	t := &Libp2p{
		core:    newCore(local, cfg, logger),
		remotes: make(map[string]peer.ID),
	}
	t.logger = t.logger.With("component", "libp2p-transport")
	t.sendFn = t.sendTo
	t.broadcastFn = t.Broadcast
	t.connCount = t.connectionCount
	return t
}

func (t *Libp2p) getHost() lhost.Host {
	t.hostMu.RLock()
	defer t.hostMu.RUnlock()
	return t.host
}

// HostAddr returns the full dialable multiaddr of the running host.
func (t *Libp2p) HostAddr() string {
	host := t.getHost()
	if host == nil {
		return ""
	}
	addrs := host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0].String(), host.ID().String())
}

// Address reports the host multiaddr; the port is already encoded in it.
func (t *Libp2p) Address() (string, int) {
	return t.HostAddr(), 0
}

func (t *Libp2p) Start(ctx context.Context) error {
	// CAS gates entry so concurrent starts cannot both create hosts.
	if !t.begin() {
		return nil
	}

	listenAddr := t.local.Address
	if listenAddr == "" {
		listenAddr = "0.0.0.0"
	}
	host, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listenAddr, t.local.Port)),
	)
	if err != nil {
		t.end()
		return fmt.Errorf("create libp2p host: %w", err)
	}
	host.SetStreamHandler(swarmProtocol, t.handleStream)

	t.hostMu.Lock()
	t.host = host
	t.hostMu.Unlock()

	t.logger.Info("transport started", "peer_id", host.ID().String())
	return nil
}

func (t *Libp2p) Stop() error {
	if !t.end() {
		return nil
	}

	t.remoteMu.Lock()
	t.remotes = make(map[string]peer.ID)
	t.remoteMu.Unlock()

	t.hostMu.Lock()
	host := t.host
	t.host = nil
	t.hostMu.Unlock()

	if host != nil {
		if err := host.Close(); err != nil {
			t.logger.Warn("host close failed", "error", err)
		}
	}
	t.logger.Info("transport stopped")
	return nil
}

func (t *Libp2p) Connect(ctx context.Context, peerID, address string, port int) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	if peerID == t.local.ID {
		return common.ErrSelfConnect
	}

	err := t.dial(ctx, peerID, address)
	if err != nil {
		t.emitLocal(common.TypeConnectionFailed, map[string]any{
			"peer_id": peerID,
			"error":   err.Error(),
		})
		return err
	}
	t.logger.Debug("connected to peer", "peer", common.ShortID(peerID))
	return nil
}

func (t *Libp2p) dial(ctx context.Context, peerID, address string) error {
	host := t.getHost()
	if host == nil {
		return common.ErrNotRunning
	}
	maddr, err := ma.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("parse multiaddr %q: %w", address, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("resolve peer from %q: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	if err := host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("dial peer %s: %w", common.ShortID(peerID), err)
	}

	t.remoteMu.Lock()
	t.remotes[peerID] = info.ID
	t.remoteMu.Unlock()
	return nil
}

func (t *Libp2p) Disconnect(peerID string) {
	t.remoteMu.Lock()
	pid, ok := t.remotes[peerID]
	delete(t.remotes, peerID)
	t.remoteMu.Unlock()
	if !ok {
		return
	}
	if host := t.getHost(); host != nil {
		_ = host.Network().ClosePeer(pid)
	}
	t.dropLatency(peerID)
	t.logger.Debug("disconnected from peer", "peer", common.ShortID(peerID))
}

func (t *Libp2p) IsConnected(peerID string) bool {
	t.remoteMu.RLock()
	pid, ok := t.remotes[peerID]
	t.remoteMu.RUnlock()
	if !ok {
		return false
	}
	host := t.getHost()
	if host == nil {
		return false
	}
	return host.Network().Connectedness(pid) == network.Connected
}

func (t *Libp2p) ConnectedPeers() []string {
	host := t.getHost()
	if host == nil {
		return nil
	}
	t.remoteMu.RLock()
	defer t.remoteMu.RUnlock()
	peers := make([]string, 0, len(t.remotes))
	for id, pid := range t.remotes {
		if host.Network().Connectedness(pid) == network.Connected {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

func (t *Libp2p) connectionCount() int {
	return len(t.ConnectedPeers())
}

func (t *Libp2p) SendMessage(ctx context.Context, to, msgType string, payload map[string]any) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	t.remoteMu.RLock()
	pid, ok := t.remotes[to]
	t.remoteMu.RUnlock()
	if !ok {
		t.recordFailed()
		return common.ErrNotConnected
	}
	return t.writeFrame(ctx, to, pid, t.newMessage(to, msgType, payload))
}

func (t *Libp2p) sendTo(to, msgType string, payload map[string]any) error {
	return t.SendMessage(context.Background(), to, msgType, payload)
}

func (t *Libp2p) Broadcast(msgType string, payload map[string]any) int {
	if !t.running.Load() {
		return 0
	}
	msg := t.newMessage(common.BroadcastTarget, msgType, payload)

	t.remoteMu.RLock()
	targets := make(map[string]peer.ID, len(t.remotes))
	for id, pid := range t.remotes {
		targets[id] = pid
	}
	t.remoteMu.RUnlock()

	delivered := 0
	for id, pid := range targets {
		if err := t.writeFrame(context.Background(), id, pid, msg); err != nil {
			t.logger.Debug("broadcast delivery failed", "peer", common.ShortID(id), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// writeFrame opens a stream, writes one JSON frame and closes. At-most-once
// by construction: no retry, no acknowledgment.
func (t *Libp2p) writeFrame(ctx context.Context, peerID string, pid peer.ID, msg common.Message) error {
	host := t.getHost()
	if host == nil {
		t.recordFailed()
		return common.ErrNotRunning
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.recordFailed()
		return fmt.Errorf("marshal message: %w", err)
	}

	stream, err := host.NewStream(ctx, pid, swarmProtocol)
	if err != nil {
		t.recordFailed()
		return fmt.Errorf("open stream to %s: %w", common.ShortID(peerID), err)
	}
	defer stream.Close()

	if _, err := stream.Write(data); err != nil {
		t.recordFailed()
		return fmt.Errorf("write to %s: %w", common.ShortID(peerID), err)
	}
	t.recordSent(len(data))
	return nil
}

func (t *Libp2p) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		t.logger.Debug("stream read failed", "error", err)
		return
	}
	var msg common.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	// Learn the sender's libp2p identity so replies can reach it without a
	// prior dial from our side.
	if msg.From != "" {
		t.remoteMu.Lock()
		if _, ok := t.remotes[msg.From]; !ok {
			t.remotes[msg.From] = s.Conn().RemotePeer()
		}
		t.remoteMu.Unlock()
	}

	t.dispatch(msg, len(data))
}
