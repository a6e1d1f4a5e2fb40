// Package topology maintains the process-wide view of the agent graph:
// which nodes exist, which edges connect them, how they cluster, where the
// bridges are, and how healthy the network looks.
package topology

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/mxhn/swarmnet/swarm/common"
	"github.com/mxhn/swarmnet/swarm/metrics"
)

// AgentHandle is what the manager requires from a registered agent wrapper.
// *agent.Agent satisfies it; tests substitute stubs.
type AgentHandle interface {
	ID() string
	Profile() common.AgentProfile
	Transport() common.Transport
	Initialize(ctx context.Context) error
	Shutdown() error
	ConnectToPeer(ctx context.Context, peerID, address string, port int) error
}

// Config holds the manager's periodic intervals and fan-out bound.
type Config struct {
	MetricsInterval     time.Duration `json:"metrics_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	// SeedFanout bounds how many already-registered peers a new node dials:
	// bounded fan-out, not full mesh.
	SeedFanout int `json:"seed_fanout"`
}

// DefaultConfig returns the contract intervals: metrics every 10s, health
// checks every 30s, seed fan-out of 3.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		SeedFanout:          3,
	}
}

// Topology is a read-only snapshot of the graph.
type Topology struct {
	Nodes       []common.Node       `json:"nodes"`
	Connections []common.Connection `json:"connections"`
	Clusters    []common.Cluster    `json:"clusters"`
	Bridges     []common.Bridge     `json:"bridges"`
}

// NodeInfo is the per-node view exposed to collaborators.
type NodeInfo struct {
	ID           string                  `json:"id"`
	Role         string                  `json:"role"`
	Connections  []string                `json:"connections"`
	NetworkStats common.TransportMetrics `json:"network_stats"`
	Capabilities []string                `json:"capabilities"`
}

// Manager is the process-wide registry across all locally-known agent
// wrappers. All graph state lives behind one mutex: registration,
// unregistration, cluster recomputation and health checks serialize their
// writes; readers copy under the same lock.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	events common.EventPublisher

	mu       sync.RWMutex
	agents   map[string]AgentHandle
	nodes    map[string]*common.Node
	edges    map[string]map[string]*common.Connection // from -> to -> edge
	clusters []common.Cluster
	bridges  []common.Bridge
	netStats common.NetworkMetrics

	// counter baselines from the previous metrics tick
	lastSent     uint64
	lastReceived uint64
	lastFailed   uint64
	lastTick     time.Time
	prevHealth   float64

	shutdown chan struct{}
	running  atomic.Bool
}

// NewManager creates a manager. The event publisher is injected by whatever
// process context owns the swarm; nil disables events.
func NewManager(cfg Config, events common.EventPublisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsInterval <= 0 {
		cfg = DefaultConfig()
	}
	if events == nil {
		events = common.NopPublisher{}
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "topology"),
		events:     events,
		agents:     make(map[string]AgentHandle),
		nodes:      make(map[string]*common.Node),
		edges:      make(map[string]map[string]*common.Connection),
		lastTick:   time.Now(),
		prevHealth: 100,
	}
}

// Start launches the metrics and health-check loops. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.shutdown = make(chan struct{})
	go m.metricsLoop()
	go m.healthLoop(ctx)
	m.events.Publish(common.EventSystemStartup, map[string]any{"timestamp": time.Now().UnixNano()})
	m.logger.Info("topology manager started")
}

// Stop cancels the periodic loops. Registered agents stay up; their owner
// unregisters them.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.shutdown)
	m.events.Publish(common.EventSystemShutdown, map[string]any{"timestamp": time.Now().UnixNano()})
	m.logger.Info("topology manager stopped")
}

// RegisterAgent adds the wrapper to the registry, starts its transport,
// dials up to SeedFanout already-registered peers and recomputes clusters.
func (m *Manager) RegisterAgent(ctx context.Context, a AgentHandle) error {
	id := a.ID()

	m.mu.RLock()
	_, exists := m.agents[id]
	seeds := m.seedPeersLocked(id)
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("agent %s already registered", common.ShortID(id))
	}

	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent %s: %w", common.ShortID(id), err)
	}

	address, port := a.Transport().Address()
	profile := a.Profile()
	node := &common.Node{
		ID:           id,
		Address:      address,
		Port:         port,
		Capabilities: append([]string(nil), profile.Capabilities...),
		Status:       common.NodeOnline,
		LastSeen:     time.Now(),
		Metadata:     map[string]string{"role": profile.Role},
	}

	// Connection I/O happens outside the registry lock; failures are logged
	// and surfaced through connection_failed, never escalated.
	var linked []string
	for _, seed := range seeds {
		if err := a.ConnectToPeer(ctx, seed.ID, seed.Address, seed.Port); err != nil {
			m.logger.Warn("seed connection failed",
				"agent", common.ShortID(id), "peer", common.ShortID(seed.ID), "error", err)
			continue
		}
		linked = append(linked, seed.ID)
	}

	m.mu.Lock()
	// Re-check under the write lock: a concurrent registration of the same
	// id may have won since the read above.
	if _, taken := m.agents[id]; taken {
		m.mu.Unlock()
		if err := a.Shutdown(); err != nil {
			m.logger.Warn("shutdown of losing registration failed", "agent", common.ShortID(id), "error", err)
		}
		return fmt.Errorf("agent %s already registered", common.ShortID(id))
	}
	m.agents[id] = a
	m.nodes[id] = node
	now := time.Now()
	for _, peerID := range linked {
		// A successful connect records both directions: the transports hold
		// the link on each side, so the graph reconciles the reverse edge.
		m.addEdgeLocked(id, peerID, now)
		m.addEdgeLocked(peerID, id, now)
	}
	changed := m.updateDerivedLocked()
	m.mu.Unlock()

	m.events.Publish(common.EventAgentRegistered, map[string]any{
		"node_id": id,
		"role":    profile.Role,
		"peers":   linked,
	})
	if changed {
		m.publishClusterChange()
	}
	m.logger.Info("agent registered", "agent", common.ShortID(id), "seeds", len(linked))
	return nil
}

// UnregisterAgent stops the agent's transport and removes the node from
// every structure in one locked transaction, so no cluster, bridge or edge
// can dangle.
func (m *Manager) UnregisterAgent(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not registered", common.ShortID(id))
	}
	delete(m.agents, id)
	delete(m.nodes, id)
	delete(m.edges, id)
	for _, tos := range m.edges {
		delete(tos, id)
	}
	changed := m.updateDerivedLocked()
	m.mu.Unlock()

	if err := a.Shutdown(); err != nil {
		m.logger.Warn("agent shutdown failed", "agent", common.ShortID(id), "error", err)
	}

	m.events.Publish(common.EventAgentRemoved, map[string]any{"node_id": id})
	if changed {
		m.publishClusterChange()
	}
	m.logger.Info("agent unregistered", "agent", common.ShortID(id))
	return nil
}

// RecordConnection adds a directed edge and its reverse, then recomputes
// the derived structures. Called when a wrapper reports a new link made
// after registration.
func (m *Manager) RecordConnection(from, to string) {
	m.mu.Lock()
	now := time.Now()
	m.addEdgeLocked(from, to, now)
	m.addEdgeLocked(to, from, now)
	changed := m.updateDerivedLocked()
	m.mu.Unlock()
	if changed {
		m.publishClusterChange()
	}
}

// RecordDisconnection removes both directions of an edge.
func (m *Manager) RecordDisconnection(from, to string) {
	m.mu.Lock()
	if tos, ok := m.edges[from]; ok {
		delete(tos, to)
	}
	if tos, ok := m.edges[to]; ok {
		delete(tos, from)
	}
	changed := m.updateDerivedLocked()
	m.mu.Unlock()
	if changed {
		m.publishClusterChange()
	}
}

func (m *Manager) addEdgeLocked(from, to string, at time.Time) {
	if m.edges[from] == nil {
		m.edges[from] = make(map[string]*common.Connection)
	}
	m.edges[from][to] = &common.Connection{
		From:         from,
		To:           to,
		State:        common.ConnectionStateConnected,
		LastActivity: at,
	}
}

// seedPeersLocked picks up to SeedFanout existing nodes for a newcomer to
// dial. Sorted for determinism; which nodes end up seeds is arbitrary and
// no mesh-repair pass exists if the result leaves the graph partitioned.
func (m *Manager) seedPeersLocked(exclude string) []common.Node {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > m.cfg.SeedFanout {
		ids = ids[:m.cfg.SeedFanout]
	}
	seeds := make([]common.Node, 0, len(ids))
	for _, id := range ids {
		seeds = append(seeds, *m.nodes[id])
	}
	return seeds
}

// updateDerivedLocked recomputes clusters and bridges wholesale from the
// current edge set. Returns whether cluster membership changed.
func (m *Manager) updateDerivedLocked() bool {
	directed := m.directedLocked()
	undirected := directed.undirected()

	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}

	before := clusterSignature(m.clusters)
	m.clusters = computeClusters(ids, undirected)
	m.bridges = computeBridges(m.clusters, undirected)
	return clusterSignature(m.clusters) != before
}

func (m *Manager) directedLocked() adjacency {
	directed := make(adjacency, len(m.edges))
	for from, tos := range m.edges {
		for to, conn := range tos {
			if conn.State != common.ConnectionStateConnected {
				continue
			}
			// Edges to unregistered nodes are skipped; removal is atomic but
			// transports may still hold links the registry no longer knows.
			if _, ok := m.nodes[to]; !ok {
				continue
			}
			if _, ok := m.nodes[from]; !ok {
				continue
			}
			directed.add(from, to)
		}
	}
	return directed
}

func clusterSignature(clusters []common.Cluster) string {
	parts := make([]string, 0, len(clusters))
	for _, c := range clusters {
		parts = append(parts, fmt.Sprint(c.Members))
	}
	sort.Strings(parts)
	return fmt.Sprint(parts)
}

func (m *Manager) publishClusterChange() {
	m.mu.RLock()
	count := len(m.clusters)
	bridges := len(m.bridges)
	m.mu.RUnlock()
	m.events.Publish(common.EventClusterChanged, map[string]any{
		"cluster_count": count,
		"bridge_count":  bridges,
	})
}

// UpdateClusters recomputes the derived structures on demand.
func (m *Manager) UpdateClusters() {
	m.mu.Lock()
	changed := m.updateDerivedLocked()
	m.mu.Unlock()
	if changed {
		m.publishClusterChange()
	}
}

// FindPath returns the first shortest path (by edge count) between two
// registered nodes, [from] when from == to, or nil when unreachable or
// either end is unregistered.
func (m *Manager) FindPath(from, to string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[from]; !ok {
		return nil
	}
	if _, ok := m.nodes[to]; !ok {
		return nil
	}
	return shortestPath(m.directedLocked(), from, to)
}

// GetTopology returns a snapshot copy of the whole graph.
func (m *Manager) GetTopology() Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := Topology{
		Nodes:       make([]common.Node, 0, len(m.nodes)),
		Connections: make([]common.Connection, 0),
		Clusters:    make([]common.Cluster, 0, len(m.clusters)),
		Bridges:     make([]common.Bridge, 0, len(m.bridges)),
	}
	// Member slices are copied too so callers cannot reach internal state
	// through the snapshot.
	for _, c := range m.clusters {
		t.Clusters = append(t.Clusters, common.Cluster{
			ID:      c.ID,
			Members: append([]string(nil), c.Members...),
		})
	}
	for _, b := range m.bridges {
		t.Bridges = append(t.Bridges, common.Bridge{
			NodeID:   b.NodeID,
			Clusters: append([]string(nil), b.Clusters...),
		})
	}
	for _, n := range m.nodes {
		t.Nodes = append(t.Nodes, *n)
	}
	sort.Slice(t.Nodes, func(i, j int) bool { return t.Nodes[i].ID < t.Nodes[j].ID })
	for _, tos := range m.edges {
		for _, conn := range tos {
			t.Connections = append(t.Connections, *conn)
		}
	}
	sort.Slice(t.Connections, func(i, j int) bool {
		if t.Connections[i].From != t.Connections[j].From {
			return t.Connections[i].From < t.Connections[j].From
		}
		return t.Connections[i].To < t.Connections[j].To
	})
	return t
}

// GetMetrics returns the latest computed snapshot.
func (m *Manager) GetMetrics() common.NetworkMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.netStats
}

// GetNodeInfo returns the per-node view, or nil for an unknown id.
func (m *Manager) GetNodeInfo(id string) *NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[id]
	if !ok {
		return nil
	}
	a := m.agents[id]

	info := &NodeInfo{
		ID:           id,
		Role:         node.Metadata["role"],
		Capabilities: append([]string(nil), node.Capabilities...),
	}
	for to := range m.edges[id] {
		info.Connections = append(info.Connections, to)
	}
	sort.Strings(info.Connections)
	if a != nil {
		info.NetworkStats = a.Transport().Metrics()
	}
	return info
}

// BroadcastMessage fans the payload out through every registered wrapper's
// transport and returns the total delivered count. Per-wrapper failures are
// logged, never propagated.
func (m *Manager) BroadcastMessage(msgType string, payload map[string]any) int {
	m.mu.RLock()
	handles := make([]AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		handles = append(handles, a)
	}
	m.mu.RUnlock()

	total := 0
	for _, a := range handles {
		tr := a.Transport()
		if !tr.IsRunning() {
			m.logger.Warn("skipping broadcast through stopped transport", "agent", common.ShortID(a.ID()))
			continue
		}
		total += tr.Broadcast(msgType, payload)
	}
	metrics.BroadcastsTotal.Inc()
	return total
}

func (m *Manager) metricsLoop() {
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.UpdateNetworkMetrics()
		}
	}
}

// UpdateNetworkMetrics recomputes the snapshot from the graph and the
// transports' measured counters. Latency and error rate come from real
// round trips and send failures, not synthetic placeholders.
func (m *Manager) UpdateNetworkMetrics() {
	m.mu.RLock()
	handles := make([]AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		handles = append(handles, a)
	}
	m.mu.RUnlock()

	var sent, received, failed uint64
	var latencySum float64
	latencySamples := 0
	for _, a := range handles {
		tm := a.Transport().Metrics()
		sent += tm.MessagesSent
		received += tm.MessagesReceived
		failed += tm.FailedMessages
		if tm.AvgLatencyMs > 0 {
			latencySum += tm.AvgLatencyMs
			latencySamples++
		}
	}

	m.mu.Lock()
	edgeCount := 0
	for _, tos := range m.edges {
		for _, conn := range tos {
			if conn.State == common.ConnectionStateConnected {
				edgeCount++
			}
		}
	}

	snap := common.NetworkMetrics{
		TotalNodes:        len(m.nodes),
		ActiveConnections: edgeCount,
		ClusterCount:      len(m.clusters),
		BridgeCount:       len(m.bridges),
	}
	if latencySamples > 0 {
		snap.AverageLatencyMs = latencySum / float64(latencySamples)
	}
	if sent > 0 {
		snap.ErrorRate = float64(failed) / float64(sent)
	}

	now := time.Now()
	// Baselines can exceed the current sums after an unregister removes a
	// transport's counters; a wrapped unsigned delta must never escape.
	if elapsed := now.Sub(m.lastTick).Seconds(); elapsed > 0 {
		if total, base := sent+received, m.lastSent+m.lastReceived; total > base {
			snap.MessageThroughput = float64(total-base) / elapsed
		}
	}
	if failed > m.lastFailed {
		metrics.MessagesFailedTotal.Add(float64(failed - m.lastFailed))
	}
	m.lastSent, m.lastReceived, m.lastFailed, m.lastTick = sent, received, failed, now

	snap.NetworkHealth = healthScore(snap.TotalNodes, edgeCount, len(m.clusters))
	prev := m.prevHealth
	m.prevHealth = snap.NetworkHealth
	m.netStats = snap
	m.mu.Unlock()

	metrics.Observe(snap)
	m.events.Publish(common.EventPerformanceMetric, map[string]any{
		"total_nodes":        snap.TotalNodes,
		"active_connections": snap.ActiveConnections,
		"network_health":     snap.NetworkHealth,
		"cluster_count":      snap.ClusterCount,
		"error_rate":         snap.ErrorRate,
	})
	if snap.NetworkHealth < 50 && prev >= 50 {
		m.events.Publish(common.EventHealthDegraded, map[string]any{
			"network_health": snap.NetworkHealth,
			"previous":       prev,
		})
	}
}

// healthScore combines cluster presence with average fan-out against the
// target of 3 connections per node. 100 for an evenly-fanned connected
// network, 0 when every node is isolated.
func healthScore(totalNodes, edgeCount, clusterCount int) float64 {
	if totalNodes == 0 {
		return 0
	}
	clusterScore := 0.0
	if clusterCount > 0 {
		clusterScore = 100.0
	}
	avgPerNode := float64(edgeCount) / float64(totalNodes)
	fanoutScore := 100.0 * math.Min(avgPerNode/3.0, 1.0)
	return clusterScore/2 + fanoutScore/2
}

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.PerformHealthChecks(ctx)
		}
	}
}

// PerformHealthChecks probes every registered transport. A stopped
// transport gets one stop+restart cycle; if that fails too the node is
// unregistered. This is the only automatic-retry path in the system.
func (m *Manager) PerformHealthChecks(ctx context.Context) {
	m.mu.RLock()
	handles := make([]AgentHandle, 0, len(m.agents))
	for _, a := range m.agents {
		handles = append(handles, a)
	}
	m.mu.RUnlock()

	for _, a := range handles {
		id := a.ID()
		tr := a.Transport()
		if tr.IsRunning() {
			m.mu.Lock()
			if n, ok := m.nodes[id]; ok {
				n.Status = common.NodeOnline
				n.LastSeen = time.Now()
			}
			m.mu.Unlock()
			continue
		}

		m.logger.Warn("transport down, attempting restart", "agent", common.ShortID(id))
		if err := tr.Stop(); err != nil {
			m.logger.Warn("stop before restart failed", "agent", common.ShortID(id), "error", err)
		}
		if err := tr.Start(ctx); err != nil {
			m.logger.Error("restart failed, unregistering", "agent", common.ShortID(id), "error", err)
			if uerr := m.UnregisterAgent(id); uerr != nil {
				m.logger.Warn("unregister after failed restart", "agent", common.ShortID(id), "error", uerr)
			}
			continue
		}
		m.mu.Lock()
		if n, ok := m.nodes[id]; ok {
			n.Status = common.NodeOnline
			n.LastSeen = time.Now()
		}
		m.mu.Unlock()
		m.logger.Info("transport restarted", "agent", common.ShortID(id))
	}
}
