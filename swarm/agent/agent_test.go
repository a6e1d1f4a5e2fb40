package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxhn/swarmnet/swarm/common"
	"github.com/mxhn/swarmnet/swarm/transport"
)

func testTransport(hub *transport.Network, id string) common.Transport {
	cfg := transport.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DiscoveryInterval = 50 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	return transport.NewMemory(hub, common.Node{ID: id, Address: "local"}, cfg, nil)
}

func startAgent(t *testing.T, hub *transport.Network, profile common.AgentProfile, opts ...Option) *Agent {
	t.Helper()
	a := New(profile, testTransport(hub, profile.ID), nil, opts...)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func workerProfile(id string) common.AgentProfile {
	return common.AgentProfile{
		ID:            id,
		Role:          "worker",
		Capabilities:  []string{"analysis"},
		MaxComplexity: 5,
	}
}

func TestConnectAnnouncesCapabilities(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	b := startAgent(t, hub, workerProfile("agent-b"))

	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	assert.Eventually(t, func() bool {
		p, ok := b.KnownPeers()["agent-a"]
		return ok && p.Role == "worker" && p.MaxComplexity == 5
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDelegateTaskExecutesAndReports(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	startAgent(t, hub, workerProfile("agent-b"))
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	task := Task{ID: "task-1", Title: "summarize report", Complexity: 2}
	require.NoError(t, a.DelegateTask(context.Background(), "agent-b", task))

	assert.Eventually(t, func() bool {
		r, ok := a.TaskOutcome("task-1")
		return ok && r.Status == TypeTaskCompleted && r.ExecutedBy == "agent-b"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDelegateTaskFailureReported(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	startAgent(t, hub, workerProfile("agent-b"), WithExecutor(func(context.Context, Task) (string, error) {
		return "", errors.New("boom")
	}))
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	require.NoError(t, a.DelegateTask(context.Background(), "agent-b", Task{ID: "task-2", Complexity: 1}))

	assert.Eventually(t, func() bool {
		r, ok := a.TaskOutcome("task-2")
		return ok && r.Status == TypeTaskFailed && r.Error == "boom"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSkillMismatchDeclines(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))

	specialist := workerProfile("agent-b")
	specialist.Skills = []string{"translation"}
	startAgent(t, hub, specialist)
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	task := Task{ID: "task-3", Title: "render chart", Description: "plot the data", Complexity: 1}
	require.NoError(t, a.DelegateTask(context.Background(), "agent-b", task))

	assert.Eventually(t, func() bool {
		r, ok := a.TaskOutcome("task-3")
		return ok && r.Status == TypeTaskDeclined
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOverComplexityForwardedToCapablePeer(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))

	weak := workerProfile("agent-b")
	weak.MaxComplexity = 2
	b := startAgent(t, hub, weak)

	strong := workerProfile("agent-c")
	strong.MaxComplexity = 9
	startAgent(t, hub, strong)

	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))
	// The weak agent learns about the strong one, so it can forward.
	require.NoError(t, b.ConnectToPeer(context.Background(), "agent-c", "local", 0))
	require.Eventually(t, func() bool {
		_, ok := b.KnownPeers()["agent-c"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	task := Task{ID: "task-4", Title: "deep analysis", Complexity: 7}
	require.NoError(t, a.DelegateTask(context.Background(), "agent-b", task))

	assert.Eventually(t, func() bool {
		r, ok := b.TaskOutcome("task-4")
		return ok && r.Status == TypeTaskCompleted && r.ExecutedBy == "agent-c"
	}, 2*time.Second, 20*time.Millisecond)

	// The original delegator gets the relayed outcome too, naming the real
	// executor; a forwarded task must never vanish from its view.
	assert.Eventually(t, func() bool {
		r, ok := a.TaskOutcome("task-4")
		return ok && r.Status == TypeTaskCompleted && r.ExecutedBy == "agent-c"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOverComplexityWithNoPeerRunsLocally(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))

	weak := workerProfile("agent-b")
	weak.MaxComplexity = 2
	startAgent(t, hub, weak)
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	task := Task{ID: "task-5", Title: "deep analysis", Complexity: 7}
	require.NoError(t, a.DelegateTask(context.Background(), "agent-b", task))

	assert.Eventually(t, func() bool {
		r, ok := a.TaskOutcome("task-5")
		return ok && r.Status == TypeTaskCompleted && r.ExecutedBy == "agent-b"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCollaborationAccepted(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	startAgent(t, hub, workerProfile("agent-b"))
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	id, err := a.RequestCollaboration(context.Background(), "agent-b", "analysis", map[string]any{"topic": "latency"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		c := a.Collaboration(id)
		return c != nil && c.Status == CollabAccepted && len(c.Responses) == 1 && c.Responses[0].Accepted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCollaborationDeclined(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))

	other := workerProfile("agent-b")
	other.Capabilities = []string{"storage"}
	other.Skills = []string{"archival"}
	startAgent(t, hub, other)
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	id, err := a.RequestCollaboration(context.Background(), "agent-b", "analysis", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		c := a.Collaboration(id)
		return c != nil && c.Status == CollabDeclined
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCollaborationUnknownID(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	assert.Nil(t, a.Collaboration("nope"))
}

func TestRequestCollaborationWithoutConnection(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))

	id, err := a.RequestCollaboration(context.Background(), "agent-x", "analysis", nil)
	require.Error(t, err)
	// The record still exists so late responses have somewhere to land.
	assert.NotNil(t, a.Collaboration(id))
}

func TestDiscoveryRequestTriggersAnnouncement(t *testing.T) {
	hub := transport.NewNetwork()
	a := startAgent(t, hub, workerProfile("agent-a"))
	b := startAgent(t, hub, workerProfile("agent-b"))
	require.NoError(t, a.ConnectToPeer(context.Background(), "agent-b", "local", 0))

	// b asks a to introduce itself again.
	require.NoError(t, b.Transport().SendMessage(context.Background(), "agent-a", TypeDiscoveryRequest, nil))

	assert.Eventually(t, func() bool {
		_, ok := b.KnownPeers()["agent-a"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
