// Package transport provides the messaging endpoints used by swarm agents.
//
// Three implementations satisfy common.Transport: an in-process Memory
// transport for tests and single-process swarms, a WebSocket transport for
// direct peer links, and a libp2p transport for multiaddr-based meshes.
// All three share the core below, which owns the heartbeat and discovery
// loops, the known-node registry, duplicate suppression, and metrics.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/mxhn/swarmnet/swarm/common"
)

// Config holds the tunables shared by every transport implementation.
type Config struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	DiscoveryInterval time.Duration `json:"discovery_interval"`
	PingInterval      time.Duration `json:"ping_interval"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	MessageTTL        time.Duration `json:"message_ttl"`
	SeenTTL           time.Duration `json:"seen_ttl"`
	MaxMessageSize    int           `json:"max_message_size"`
}

// DefaultConfig returns the intervals from the protocol contract: heartbeat
// every 30s, discovery every 60s, 5 minute message TTL.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		DiscoveryInterval: 60 * time.Second,
		PingInterval:      15 * time.Second,
		ConnectTimeout:    10 * time.Second,
		MessageTTL:        common.DefaultMessageTTL,
		SeenTTL:           10 * time.Minute,
		MaxMessageSize:    1024 * 1024,
	}
}

// counters is the mutable half of TransportMetrics.
type counters struct {
	messagesSent      uint64
	messagesReceived  uint64
	failedMessages    uint64
	expiredOnArrival  uint64
	duplicatesDropped uint64
	bytesSent         uint64
	bytesReceived     uint64
}

// core is embedded by each transport implementation. The implementation
// wires sendFn/broadcastFn/connCount after construction so the shared
// loops can reach the wire.
type core struct {
	local  common.Node
	cfg    Config
	logger *slog.Logger

	handlers  map[string]common.MessageHandler
	handlerMu sync.RWMutex

	known   map[string]common.Node
	knownMu sync.RWMutex

	// Broadcast dedup: bloom filter for the fast path, timestamped map for
	// TTL-based eviction.
	seen   *bloom.BloomFilter
	seenAt map[string]time.Time
	seenMu sync.Mutex

	latency   map[string]time.Duration
	latencyMu sync.RWMutex

	stats   counters
	statsMu sync.Mutex

	sendFn      func(to, msgType string, payload map[string]any) error
	broadcastFn func(msgType string, payload map[string]any) int
	connCount   func() int

	shutdown chan struct{}
	running  atomic.Bool
}

func newCore(local common.Node, cfg Config, logger *slog.Logger) core {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	return core{
		local:    local,
		cfg:      cfg,
		logger:   logger.With("node_id", common.ShortID(local.ID)),
		handlers: make(map[string]common.MessageHandler),
		known:    make(map[string]common.Node),
		seen:     bloom.NewWithEstimates(100000, 0.01),
		seenAt:   make(map[string]time.Time),
		latency:  make(map[string]time.Duration),
	}
}

func (c *core) LocalID() string { return c.local.ID }

func (c *core) IsRunning() bool { return c.running.Load() }

// OnMessage registers exactly one handler per message type; a later
// registration for the same type replaces the earlier one.
func (c *core) OnMessage(msgType string, handler common.MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = handler
}

// KnownNodes returns a copy of the discovery registry.
func (c *core) KnownNodes() []common.Node {
	c.knownMu.RLock()
	defer c.knownMu.RUnlock()
	nodes := make([]common.Node, 0, len(c.known))
	for _, n := range c.known {
		nodes = append(nodes, n)
	}
	return nodes
}

// Metrics assembles a snapshot of the counters.
func (c *core) Metrics() common.TransportMetrics {
	c.statsMu.Lock()
	m := common.TransportMetrics{
		MessagesSent:      c.stats.messagesSent,
		MessagesReceived:  c.stats.messagesReceived,
		FailedMessages:    c.stats.failedMessages,
		ExpiredOnArrival:  c.stats.expiredOnArrival,
		DuplicatesDropped: c.stats.duplicatesDropped,
		BytesSent:         c.stats.bytesSent,
		BytesReceived:     c.stats.bytesReceived,
	}
	c.statsMu.Unlock()

	if c.connCount != nil {
		m.ActiveConnections = c.connCount()
	}

	c.latencyMu.RLock()
	if len(c.latency) > 0 {
		var sum time.Duration
		for _, l := range c.latency {
			sum += l
		}
		m.AvgLatencyMs = float64(sum.Microseconds()) / float64(len(c.latency)) / 1000.0
	}
	c.latencyMu.RUnlock()

	return m
}

// newMessage builds an immutable envelope with a fresh id and the default TTL.
func (c *core) newMessage(to, msgType string, payload map[string]any) common.Message {
	return common.Message{
		ID:        uuid.NewString(),
		From:      c.local.ID,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
		TTL:       c.cfg.MessageTTL,
	}
}

// begin transitions the core to running and starts the periodic loops.
// Returns false if already running.
func (c *core) begin() bool {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("transport already running, start ignored")
		return false
	}
	c.shutdown = make(chan struct{})
	go c.heartbeatLoop()
	go c.discoveryLoop()
	go c.pingLoop()
	go c.sweepLoop()
	return true
}

// end transitions the core to stopped. Returns false if not running.
func (c *core) end() bool {
	if !c.running.CompareAndSwap(true, false) {
		return false
	}
	close(c.shutdown)
	return true
}

func (c *core) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *core) sendHeartbeat() {
	c.broadcastFn(common.TypeHeartbeat, map[string]any{
		"node_id":   c.local.ID,
		"status":    string(common.NodeOnline),
		"timestamp": time.Now().UnixNano(),
	})
}

func (c *core) discoveryLoop() {
	ticker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sendDiscovery()
		}
	}
}

func (c *core) sendDiscovery() {
	c.broadcastFn(common.TypeDiscovery, map[string]any{
		"node_id":      c.local.ID,
		"capabilities": c.local.Capabilities,
		"address":      c.local.Address,
		"port":         c.local.Port,
		"timestamp":    time.Now().UnixNano(),
	})
}

// pingLoop measures per-peer round trips; the pong path records them. This
// replaces the synthetic latency numbers the metrics used to carry.
func (c *core) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.broadcastFn(common.TypePing, map[string]any{
				"timestamp": time.Now().UnixNano(),
			})
		}
	}
}

func (c *core) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SeenTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweepSeen()
		}
	}
}

// sweepSeen evicts expired dedup entries and rebuilds the bloom filter from
// the survivors, bounding long-run memory.
func (c *core) sweepSeen() {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	cutoff := time.Now().Add(-c.cfg.SeenTTL)
	fresh := bloom.NewWithEstimates(100000, 0.01)
	for id, at := range c.seenAt {
		if at.Before(cutoff) {
			delete(c.seenAt, id)
			continue
		}
		fresh.AddString(id)
	}
	c.seen = fresh
}

// seenBefore records the id and reports whether it was already seen.
func (c *core) seenBefore(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.seen.TestString(id) {
		if _, ok := c.seenAt[id]; ok {
			return true
		}
	}
	c.seen.AddString(id)
	c.seenAt[id] = time.Now()
	return false
}

// dispatch routes one inbound envelope: dedup for broadcast fan-in, TTL
// accounting, built-in heartbeat/discovery/ping handling, then the
// registered handler for the message type.
func (c *core) dispatch(msg common.Message, size int) {
	c.statsMu.Lock()
	c.stats.messagesReceived++
	c.stats.bytesReceived += uint64(size)
	c.statsMu.Unlock()

	if msg.To == common.BroadcastTarget && c.seenBefore(msg.ID) {
		c.statsMu.Lock()
		c.stats.duplicatesDropped++
		c.statsMu.Unlock()
		return
	}

	// TTL is advisory: expired messages are still delivered, just counted.
	if msg.Expired(time.Now()) {
		c.statsMu.Lock()
		c.stats.expiredOnArrival++
		c.statsMu.Unlock()
	}

	switch msg.Type {
	case common.TypeHeartbeat:
		c.observeHeartbeat(msg)
	case common.TypeDiscovery:
		c.observeDiscovery(msg)
	case common.TypePing:
		if ts, ok := asInt64(msg.Payload["timestamp"]); ok {
			_ = c.sendFn(msg.From, common.TypePong, map[string]any{"timestamp": ts})
		}
		return
	case common.TypePong:
		if ts, ok := asInt64(msg.Payload["timestamp"]); ok {
			c.recordLatency(msg.From, time.Since(time.Unix(0, ts)))
		}
		return
	}

	c.handlerMu.RLock()
	handler := c.handlers[msg.Type]
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// observeHeartbeat updates the known-node registry, last-write-wins.
func (c *core) observeHeartbeat(msg common.Message) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	n := c.known[msg.From]
	n.ID = msg.From
	n.Status = common.NodeStatus(asString(msg.Payload["status"]))
	if n.Status == "" {
		n.Status = common.NodeOnline
	}
	n.LastSeen = time.Now()
	c.known[msg.From] = n
}

func (c *core) observeDiscovery(msg common.Message) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	n := c.known[msg.From]
	n.ID = msg.From
	n.Capabilities = asStrings(msg.Payload["capabilities"])
	n.Address = asString(msg.Payload["address"])
	if port, ok := asInt64(msg.Payload["port"]); ok {
		n.Port = int(port)
	}
	if n.Status == "" {
		n.Status = common.NodeOnline
	}
	n.LastSeen = time.Now()
	c.known[msg.From] = n
}

func (c *core) recordLatency(peerID string, rtt time.Duration) {
	c.latencyMu.Lock()
	c.latency[peerID] = rtt
	c.latencyMu.Unlock()
}

func (c *core) dropLatency(peerID string) {
	c.latencyMu.Lock()
	delete(c.latency, peerID)
	c.latencyMu.Unlock()
}

func (c *core) recordSent(size int) {
	c.statsMu.Lock()
	c.stats.messagesSent++
	c.stats.bytesSent += uint64(size)
	c.statsMu.Unlock()
}

func (c *core) recordFailed() {
	c.statsMu.Lock()
	c.stats.failedMessages++
	c.statsMu.Unlock()
}

// emitLocal delivers a locally generated notification (never the wire) to
// the registered handler, e.g. connection_failed.
func (c *core) emitLocal(msgType string, payload map[string]any) {
	c.handlerMu.RLock()
	handler := c.handlers[msgType]
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(c.newMessage(c.local.ID, msgType, payload))
	}
}

// ---- payload coercion helpers (JSON round-trips erase concrete types) ----

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
