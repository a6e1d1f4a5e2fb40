package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/mxhn/swarmnet/swarm/common"
)

// WebSocket implements common.Transport over direct peer-to-peer WebSocket
// links. Each node runs a small listener; dialing peers identify themselves
// through the node_id query parameter, so an accepted dial immediately
// yields the reverse connection entry.
type WebSocket struct {
	core

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	conns  map[string]*wsConn
	connMu sync.RWMutex

	boundPort int
}

type wsConn struct {
	peerID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// NewWebSocket creates a WebSocket transport listening on the node's
// address and port. Port 0 binds an ephemeral port, resolved after Start.
func NewWebSocket(local common.Node, cfg Config, logger *slog.Logger) *WebSocket {
	t := &WebSocket{
		core:  newCore(local, cfg, logger),
		conns: make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	t.logger = t.logger.With("component", "ws-transport")
	t.sendFn = t.sendTo
	t.broadcastFn = t.Broadcast
	t.connCount = t.connectionCount
	return t
}

func (t *WebSocket) Address() (string, int) {
	return t.local.Address, t.boundPort
}

func (t *WebSocket) Start(ctx context.Context) error {
	// CAS gates entry so concurrent starts cannot both bind listeners.
	if !t.begin() {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", t.local.Address, t.local.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.end()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	t.listener = listener
	t.boundPort = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error("listener stopped", "error", err)
		}
	}()

	t.logger.Info("transport started", "addr", t.local.Address, "port", t.boundPort)
	return nil
}

func (t *WebSocket) Stop() error {
	if !t.end() {
		return nil
	}

	t.connMu.Lock()
	for peerID, wc := range t.conns {
		wc.conn.Close()
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()

	if t.server != nil {
		t.server.Close()
	}
	t.logger.Info("transport stopped")
	return nil
}

// handleUpgrade accepts an inbound dial and records the reverse entry.
func (t *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("node_id")
	if peerID == "" {
		http.Error(w, "node_id required", http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("upgrade failed", "error", err)
		return
	}

	wc := t.register(peerID, conn)
	t.logger.Debug("accepted peer connection", "peer", common.ShortID(peerID))
	go t.readLoop(wc)
}

// Connect dials the peer's /ws endpoint. Failures surface as an error and a
// connection_failed notification; the caller decides whether to retry.
func (t *WebSocket) Connect(ctx context.Context, peerID, address string, port int) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	if peerID == t.local.ID {
		return common.ErrSelfConnect
	}
	if t.IsConnected(peerID) {
		return nil
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", address, port),
		Path:     "/ws",
		RawQuery: url.Values{"node_id": {t.local.ID}}.Encode(),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.ConnectTimeout,
		ReadBufferSize:   t.cfg.MaxMessageSize,
		WriteBufferSize:  t.cfg.MaxMessageSize,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		t.emitLocal(common.TypeConnectionFailed, map[string]any{
			"peer_id": peerID,
			"error":   err.Error(),
		})
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	wc := t.register(peerID, conn)
	go t.readLoop(wc)

	t.logger.Debug("connected to peer", "peer", common.ShortID(peerID), "addr", u.Host)
	return nil
}

func (t *WebSocket) register(peerID string, conn *websocket.Conn) *wsConn {
	wc := &wsConn{peerID: peerID, conn: conn}
	t.connMu.Lock()
	if old, ok := t.conns[peerID]; ok {
		old.conn.Close()
	}
	t.conns[peerID] = wc
	t.connMu.Unlock()
	return wc
}

func (t *WebSocket) Disconnect(peerID string) {
	t.connMu.Lock()
	wc, ok := t.conns[peerID]
	if ok {
		wc.conn.Close()
		delete(t.conns, peerID)
	}
	t.connMu.Unlock()
	if ok {
		t.dropLatency(peerID)
		t.logger.Debug("disconnected from peer", "peer", common.ShortID(peerID))
	}
}

func (t *WebSocket) IsConnected(peerID string) bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	_, ok := t.conns[peerID]
	return ok
}

func (t *WebSocket) ConnectedPeers() []string {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	peers := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (t *WebSocket) connectionCount() int {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return len(t.conns)
}

func (t *WebSocket) SendMessage(ctx context.Context, to, msgType string, payload map[string]any) error {
	return t.sendTo(to, msgType, payload)
}

func (t *WebSocket) sendTo(to, msgType string, payload map[string]any) error {
	if !t.running.Load() {
		return common.ErrNotRunning
	}
	t.connMu.RLock()
	wc, ok := t.conns[to]
	t.connMu.RUnlock()
	if !ok {
		t.recordFailed()
		return common.ErrNotConnected
	}
	return t.write(wc, t.newMessage(to, msgType, payload))
}

func (t *WebSocket) Broadcast(msgType string, payload map[string]any) int {
	if !t.running.Load() {
		return 0
	}
	msg := t.newMessage(common.BroadcastTarget, msgType, payload)

	t.connMu.RLock()
	targets := make([]*wsConn, 0, len(t.conns))
	for _, wc := range t.conns {
		targets = append(targets, wc)
	}
	t.connMu.RUnlock()

	delivered := 0
	for _, wc := range targets {
		if err := t.write(wc, msg); err != nil {
			t.logger.Debug("broadcast delivery failed", "peer", common.ShortID(wc.peerID), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (t *WebSocket) write(wc *wsConn, msg common.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		t.recordFailed()
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := wc.writeJSON(msg); err != nil {
		t.recordFailed()
		return fmt.Errorf("write to %s: %w", common.ShortID(wc.peerID), err)
	}
	t.recordSent(len(data))
	return nil
}

// readLoop drains one connection until it closes, feeding dispatch. A read
// error drops the connection entry so the edge disappears on this side too.
func (t *WebSocket) readLoop(wc *wsConn) {
	defer func() {
		t.connMu.Lock()
		if current, ok := t.conns[wc.peerID]; ok && current == wc {
			delete(t.conns, wc.peerID)
		}
		t.connMu.Unlock()
		wc.conn.Close()
		t.dropLatency(wc.peerID)
	}()

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("peer connection lost", "peer", common.ShortID(wc.peerID), "error", err)
			}
			return
		}
		var msg common.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Debug("dropping malformed message", "peer", common.ShortID(wc.peerID), "error", err)
			continue
		}
		t.dispatch(msg, len(data))
	}
}

// waitConnected blocks until the peer entry exists or the timeout passes.
// Used by tests to avoid racing the accept path.
func (t *WebSocket) waitConnected(peerID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.IsConnected(peerID) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
