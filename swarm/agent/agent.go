// Package agent binds a logical agent (role, capabilities, skills) to one
// transport and translates domain intents into swarm messages: capability
// announcements, collaboration requests and task delegation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mxhn/swarmnet/swarm/common"
)

// Domain message types exchanged between agents.
const (
	TypeCapabilityAnnouncement = "capability_announcement"
	TypeCollaborationRequest   = "collaboration_request"
	TypeCollaborationResponse  = "collaboration_response"
	TypeTaskDelegation         = "task_delegation"
	TypeTaskCompleted          = "task_completed"
	TypeTaskFailed             = "task_failed"
	TypeTaskDeclined           = "task_declined"
	TypeDiscoveryRequest       = "discovery_request"
)

// Collaboration record statuses.
const (
	CollabPending  = "pending"
	CollabAccepted = "accepted"
	CollabDeclined = "declined"
)

// Task is a unit of delegable work.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Complexity   int      `json:"complexity"`
	Requirements []string `json:"requirements,omitempty"`
}

// TaskResult is the outcome reported back to the delegating agent.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"` // task_completed | task_failed | task_declined
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExecutedBy  string    `json:"executed_by"`
	CompletedAt time.Time `json:"completed_at"`
}

// CollabResponse is one peer's reply to a collaboration request.
type CollabResponse struct {
	PeerID     string    `json:"peer_id"`
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Collaboration tracks one outstanding request and the replies it gathers.
type Collaboration struct {
	ID        string           `json:"id"`
	PeerID    string           `json:"peer_id"`
	Type      string           `json:"type"`
	Context   map[string]any   `json:"context,omitempty"`
	Status    string           `json:"status"`
	Responses []CollabResponse `json:"responses"`
	CreatedAt time.Time        `json:"created_at"`
}

// Executor performs the actual work of a task. Swarm hosts plug in their
// own; the default produces a short acknowledgment so delegation flows stay
// observable without a real workload.
type Executor func(ctx context.Context, task Task) (string, error)

// Agent wraps one transport with domain behavior.
type Agent struct {
	profile   common.AgentProfile
	transport common.Transport
	executor  Executor
	logger    *slog.Logger

	collabs  map[string]*Collaboration
	peers    map[string]common.AgentProfile // capability cache, keyed by peer id
	results  map[string]TaskResult          // outcomes of tasks we delegated
	forwards map[string]string              // task id -> delegator awaiting a relayed outcome
	mu       sync.RWMutex
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithExecutor replaces the default task executor.
func WithExecutor(e Executor) Option {
	return func(a *Agent) { a.executor = e }
}

// New creates an agent wrapper around the given transport. The transport is
// injected, never constructed here, so tests and hosts choose the wiring.
func New(profile common.AgentProfile, tr common.Transport, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		profile:   profile,
		transport: tr,
		logger:    logger.With("component", "agent", "agent_id", common.ShortID(profile.ID), "role", profile.Role),
		collabs:   make(map[string]*Collaboration),
		peers:     make(map[string]common.AgentProfile),
		results:   make(map[string]TaskResult),
		forwards:  make(map[string]string),
	}
	a.executor = a.defaultExecutor
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) ID() string                   { return a.profile.ID }
func (a *Agent) Profile() common.AgentProfile { return a.profile }
func (a *Agent) Transport() common.Transport  { return a.transport }

// Initialize registers the inbound handlers and starts the transport.
func (a *Agent) Initialize(ctx context.Context) error {
	a.transport.OnMessage(TypeCapabilityAnnouncement, a.handleCapabilityAnnouncement)
	a.transport.OnMessage(TypeCollaborationRequest, a.handleCollaborationRequest)
	a.transport.OnMessage(TypeCollaborationResponse, a.handleCollaborationResponse)
	a.transport.OnMessage(TypeTaskDelegation, a.handleTaskDelegation)
	a.transport.OnMessage(TypeTaskCompleted, a.handleTaskOutcome)
	a.transport.OnMessage(TypeTaskFailed, a.handleTaskOutcome)
	a.transport.OnMessage(TypeTaskDeclined, a.handleTaskOutcome)
	a.transport.OnMessage(TypeDiscoveryRequest, a.handleDiscoveryRequest)
	a.transport.OnMessage(common.TypeConnectionFailed, a.handleConnectionFailed)

	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	a.logger.Info("agent initialized")
	return nil
}

// Shutdown stops the transport. Idempotent.
func (a *Agent) Shutdown() error {
	return a.transport.Stop()
}

// ConnectToPeer establishes a transport connection and introduces this
// agent with a capability announcement.
func (a *Agent) ConnectToPeer(ctx context.Context, peerID, address string, port int) error {
	if err := a.transport.Connect(ctx, peerID, address, port); err != nil {
		return err
	}
	a.announceCapabilities(ctx, peerID)
	return nil
}

func (a *Agent) announceCapabilities(ctx context.Context, peerID string) {
	if err := a.transport.SendMessage(ctx, peerID, TypeCapabilityAnnouncement, profilePayload(a.profile)); err != nil {
		a.logger.Debug("capability announcement failed", "peer", common.ShortID(peerID), "error", err)
	}
}

// RequestCollaboration creates a pending collaboration record and asks the
// peer. Responses accumulate on the record as peers reply.
func (a *Agent) RequestCollaboration(ctx context.Context, peerID, requestType string, ctxData map[string]any) (string, error) {
	collab := &Collaboration{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Type:      requestType,
		Context:   ctxData,
		Status:    CollabPending,
		CreatedAt: time.Now(),
	}
	a.mu.Lock()
	a.collabs[collab.ID] = collab
	a.mu.Unlock()

	err := a.transport.SendMessage(ctx, peerID, TypeCollaborationRequest, map[string]any{
		"collaboration_id": collab.ID,
		"request_type":     requestType,
		"context":          ctxData,
		"from_role":        a.profile.Role,
	})
	if err != nil {
		return collab.ID, fmt.Errorf("send collaboration request: %w", err)
	}
	return collab.ID, nil
}

// Collaboration returns a snapshot of the record, or nil if unknown.
func (a *Agent) Collaboration(id string) *Collaboration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.collabs[id]
	if !ok {
		return nil
	}
	snapshot := *c
	snapshot.Responses = append([]CollabResponse(nil), c.Responses...)
	return &snapshot
}

// DelegateTask hands a task to a specific peer.
func (a *Agent) DelegateTask(ctx context.Context, peerID string, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	err := a.transport.SendMessage(ctx, peerID, TypeTaskDelegation, taskPayload(task))
	if err != nil {
		return fmt.Errorf("delegate task %s: %w", task.ID, err)
	}
	a.logger.Debug("delegated task", "task", task.ID, "peer", common.ShortID(peerID))
	return nil
}

// TaskOutcome returns the recorded outcome of a delegated task, if any.
func (a *Agent) TaskOutcome(taskID string) (TaskResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.results[taskID]
	return r, ok
}

// KnownPeers returns a copy of the cached peer capability table.
func (a *Agent) KnownPeers() map[string]common.AgentProfile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]common.AgentProfile, len(a.peers))
	for id, p := range a.peers {
		out[id] = p
	}
	return out
}

// ---- inbound handlers ----

func (a *Agent) handleCapabilityAnnouncement(msg common.Message) {
	var p common.AgentProfile
	if err := decodePayload(msg.Payload, &p); err != nil || p.ID == "" {
		return
	}
	a.mu.Lock()
	a.peers[p.ID] = p
	a.mu.Unlock()
	a.logger.Debug("cached peer capabilities", "peer", common.ShortID(p.ID), "role", p.Role)
}

func (a *Agent) handleCollaborationRequest(msg common.Message) {
	collabID := stringField(msg.Payload, "collaboration_id")
	requestType := stringField(msg.Payload, "request_type")

	accepted := a.profile.HasCapability(requestType) || a.matchesSkills(requestType)
	reason := "capability match"
	if !accepted {
		reason = fmt.Sprintf("no capability for %q", requestType)
	}

	err := a.transport.SendMessage(context.Background(), msg.From, TypeCollaborationResponse, map[string]any{
		"collaboration_id": collabID,
		"accepted":         accepted,
		"reason":           reason,
	})
	if err != nil {
		a.logger.Debug("collaboration response failed", "peer", common.ShortID(msg.From), "error", err)
	}
}

func (a *Agent) handleCollaborationResponse(msg common.Message) {
	collabID := stringField(msg.Payload, "collaboration_id")
	accepted, _ := msg.Payload["accepted"].(bool)

	a.mu.Lock()
	defer a.mu.Unlock()
	collab, ok := a.collabs[collabID]
	if !ok {
		return
	}
	collab.Responses = append(collab.Responses, CollabResponse{
		PeerID:     msg.From,
		Accepted:   accepted,
		Reason:     stringField(msg.Payload, "reason"),
		ReceivedAt: time.Now(),
	})
	if accepted {
		collab.Status = CollabAccepted
	} else if collab.Status == CollabPending {
		collab.Status = CollabDeclined
	}
}

// handleTaskDelegation decides locally whether to run the task. When the
// task exceeds this agent's complexity ceiling it is forwarded to any
// cached peer whose ceiling suffices; with no capable peer known it runs
// locally regardless, which beats dropping the task silently.
func (a *Agent) handleTaskDelegation(msg common.Message) {
	var task Task
	if err := decodePayload(msg.Payload, &task); err != nil {
		return
	}

	if task.Complexity > a.profile.MaxComplexity {
		if peerID, ok := a.findCapablePeer(task, msg.From); ok {
			a.logger.Info("forwarding over-complexity task", "task", task.ID, "peer", common.ShortID(peerID))
			// Remember who delegated so the executor's outcome can be
			// relayed back; the delegator must never lose sight of a task.
			a.mu.Lock()
			a.forwards[task.ID] = msg.From
			a.mu.Unlock()
			if err := a.DelegateTask(context.Background(), peerID, task); err == nil {
				return
			}
			a.mu.Lock()
			delete(a.forwards, task.ID)
			a.mu.Unlock()
		}
		a.logger.Warn("executing task above complexity ceiling locally",
			"task", task.ID, "complexity", task.Complexity, "ceiling", a.profile.MaxComplexity)
	} else if !a.matchesSkills(task.Title + " " + task.Description) {
		a.reply(msg.From, TypeTaskDeclined, task.ID, "", "no skill overlap")
		return
	}

	output, err := a.executor(context.Background(), task)
	if err != nil {
		a.reply(msg.From, TypeTaskFailed, task.ID, "", err.Error())
		return
	}
	a.reply(msg.From, TypeTaskCompleted, task.ID, output, "")
}

func (a *Agent) reply(to, outcome, taskID, output, errMsg string) {
	err := a.transport.SendMessage(context.Background(), to, outcome, map[string]any{
		"task_id":     taskID,
		"output":      output,
		"error":       errMsg,
		"executed_by": a.profile.ID,
	})
	if err != nil {
		a.logger.Debug("task reply failed", "peer", common.ShortID(to), "error", err)
	}
}

func (a *Agent) handleTaskOutcome(msg common.Message) {
	result := TaskResult{
		TaskID:      stringField(msg.Payload, "task_id"),
		Status:      msg.Type,
		Output:      stringField(msg.Payload, "output"),
		Error:       stringField(msg.Payload, "error"),
		ExecutedBy:  stringField(msg.Payload, "executed_by"),
		CompletedAt: time.Now(),
	}
	if result.TaskID == "" {
		return
	}
	a.mu.Lock()
	a.results[result.TaskID] = result
	origin, forwarded := a.forwards[result.TaskID]
	if forwarded {
		delete(a.forwards, result.TaskID)
	}
	a.mu.Unlock()

	if forwarded {
		// Relay verbatim so the delegator sees the real executor.
		err := a.transport.SendMessage(context.Background(), origin, msg.Type, map[string]any{
			"task_id":     result.TaskID,
			"output":      result.Output,
			"error":       result.Error,
			"executed_by": result.ExecutedBy,
		})
		if err != nil {
			a.logger.Debug("outcome relay failed", "peer", common.ShortID(origin), "error", err)
		}
	}
}

func (a *Agent) handleDiscoveryRequest(msg common.Message) {
	a.announceCapabilities(context.Background(), msg.From)
}

func (a *Agent) handleConnectionFailed(msg common.Message) {
	a.logger.Warn("connection failed",
		"peer", common.ShortID(stringField(msg.Payload, "peer_id")),
		"error", stringField(msg.Payload, "error"))
}

// findCapablePeer scans the cached capability table for a peer whose
// complexity ceiling covers the task, skipping the peer the task came from.
func (a *Agent) findCapablePeer(task Task, exclude string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, p := range a.peers {
		if id == exclude || id == a.profile.ID {
			continue
		}
		if p.MaxComplexity >= task.Complexity && a.transport.IsConnected(id) {
			return id, true
		}
	}
	return "", false
}

// matchesSkills reports keyword overlap between the text and this agent's
// specialized skill list.
func (a *Agent) matchesSkills(text string) bool {
	if len(a.profile.Skills) == 0 {
		return true
	}
	lowered := strings.ToLower(text)
	for _, skill := range a.profile.Skills {
		if skill != "" && strings.Contains(lowered, strings.ToLower(skill)) {
			return true
		}
	}
	return false
}

func (a *Agent) defaultExecutor(_ context.Context, task Task) (string, error) {
	return fmt.Sprintf("task %q handled by %s (%s)", task.Title, a.profile.ID, a.profile.Role), nil
}

// ---- payload helpers ----

func profilePayload(p common.AgentProfile) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"role":           p.Role,
		"capabilities":   p.Capabilities,
		"max_complexity": p.MaxComplexity,
		"skills":         p.Skills,
	}
}

func taskPayload(t Task) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"title":        t.Title,
		"description":  t.Description,
		"priority":     t.Priority,
		"complexity":   t.Complexity,
		"requirements": t.Requirements,
	}
}

func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
