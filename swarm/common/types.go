package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BroadcastTarget is the reserved destination for fan-out messages.
const BroadcastTarget = "broadcast"

// Built-in message types handled by every transport. Domain-level types
// (task delegation, collaboration, ...) are defined by the agent layer.
const (
	TypeHeartbeat        = "heartbeat"
	TypeDiscovery        = "discovery"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeConnectionFailed = "connection_failed"
)

// Event types published at well-defined state transitions.
const (
	EventAgentRegistered   = "AGENT_REGISTERED"
	EventAgentRemoved      = "AGENT_REMOVED"
	EventClusterChanged    = "CLUSTER_CHANGED"
	EventHealthDegraded    = "HEALTH_DEGRADED"
	EventSystemStartup     = "SYSTEM_STARTUP"
	EventSystemShutdown    = "SYSTEM_SHUTDOWN"
	EventPerformanceMetric = "PERFORMANCE_METRIC"
)

// DefaultMessageTTL bounds how long a receiver may consider a message valid.
const DefaultMessageTTL = 5 * time.Minute

var (
	ErrNotRunning   = errors.New("transport not running")
	ErrNotConnected = errors.New("not connected to peer")
	ErrSelfConnect  = errors.New("cannot connect to self")
)

// NodeStatus is the advertised liveness state of a node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeBusy    NodeStatus = "busy"
)

// ConnectionState tracks the lifecycle of a directed edge.
type ConnectionState int

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateConnected
	ConnectionStateDisconnected
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Node is one agent endpoint in the swarm graph. Owned exclusively by the
// topology manager's registry; transports keep their own known-node copies.
type Node struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	Capabilities []string          `json:"capabilities"`
	Status       NodeStatus        `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the node advertises the given capability.
func (n *Node) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Connection is a directed edge between two nodes' transports. Edges are
// advisory: one side may record an edge before the reverse announcement
// lands, and the topology manager reconciles by adding the reverse edge
// when a connection succeeds.
type Connection struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	State        ConnectionState `json:"state"`
	LastActivity time.Time       `json:"last_activity"`
}

// Message is the wire envelope. Immutable once sent; TTL is advisory only,
// a receiver still delivers expired messages but counts them.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix nanoseconds
	TTL       time.Duration  `json:"ttl"`
}

// Expired reports whether the message is past its TTL at the given time.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, m.Timestamp)) > m.TTL
}

// MessageHandler consumes one inbound message. Exactly one handler per
// message type; a later registration replaces the earlier one.
type MessageHandler func(msg Message)

// Transport gives one node an addressable endpoint and a fire-and-forget
// messaging primitive. Delivery is at-most-once, unordered, unacknowledged.
type Transport interface {
	// Start launches the heartbeat and discovery loops. Idempotent;
	// starting a running transport is a logged no-op.
	Start(ctx context.Context) error
	// Stop cancels periodic loops and closes every connection. Idempotent.
	Stop() error
	IsRunning() bool

	LocalID() string
	// Address reports the reachable endpoint, resolved after Start.
	Address() (string, int)

	Connect(ctx context.Context, peerID, address string, port int) error
	Disconnect(peerID string)
	IsConnected(peerID string) bool
	ConnectedPeers() []string

	SendMessage(ctx context.Context, to, msgType string, payload map[string]any) error
	// Broadcast sends one message body to every connected peer and returns
	// the number of peers it was actually delivered to.
	Broadcast(msgType string, payload map[string]any) int
	OnMessage(msgType string, handler MessageHandler)

	// KnownNodes is the registry populated from heartbeat and discovery
	// receipts, last-write-wins on LastSeen.
	KnownNodes() []Node
	Metrics() TransportMetrics
}

// TransportMetrics is a point-in-time snapshot of one transport's counters.
type TransportMetrics struct {
	ActiveConnections int     `json:"active_connections"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesReceived  uint64  `json:"messages_received"`
	FailedMessages    uint64  `json:"failed_messages"`
	ExpiredOnArrival  uint64  `json:"expired_on_arrival"`
	DuplicatesDropped uint64  `json:"duplicates_dropped"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// AgentProfile describes a logical agent bound to a transport.
type AgentProfile struct {
	ID            string   `json:"id"`
	Role          string   `json:"role"`
	Capabilities  []string `json:"capabilities"`
	MaxComplexity int      `json:"max_complexity"`
	Skills        []string `json:"skills"`
}

// HasCapability reports whether the profile advertises the capability.
func (p *AgentProfile) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Cluster is a maximal connected component of size >= 2. Recomputed
// wholesale on every topology change; ids are sequence numbers and not
// stable across recomputation.
type Cluster struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Bridge is a node whose direct neighbors span two or more clusters.
type Bridge struct {
	NodeID   string   `json:"node_id"`
	Clusters []string `json:"clusters"`
}

// NetworkMetrics is a snapshot recomputed on a fixed interval. Latency and
// error rate are measured from transport counters, not synthesized.
type NetworkMetrics struct {
	TotalNodes        int     `json:"total_nodes"`
	ActiveConnections int     `json:"active_connections"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	NetworkHealth     float64 `json:"network_health"` // 0-100
	ClusterCount      int     `json:"cluster_count"`
	BridgeCount       int     `json:"bridge_count"`
	MessageThroughput float64 `json:"message_throughput"` // messages/sec
	ErrorRate         float64 `json:"error_rate"`         // 0-1
}

// EventPublisher is the only thing the topology manager requires from an
// event bus; any implementation with a Publish method will do.
type EventPublisher interface {
	Publish(eventType string, payload map[string]any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, map[string]any) {}

// ShortID truncates a node id for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
