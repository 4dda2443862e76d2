// Package agents implements the multi-agent registry: registration,
// heartbeat-based liveness, a single-leader invariant enforced by
// election and auto-promotion, and dead-agent reaping.
package agents

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/gatewayerr"
)

// Role is an agent's position in the orchestration hierarchy.
type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	StatusDead Status = "dead"
)

// leaderIDPrefix marks an agent as eligible for auto-promotion to leader
// when no leader exists. Workers registered with this prefix survive a
// leader's death by being the only candidates _reapDead will promote.
const leaderIDPrefix = "leader_"

// defaultHeartbeatTimeout is how long an agent may go without a heartbeat
// before it is considered dead.
const defaultHeartbeatTimeout = 30 * time.Second

// Agent is a registered participant in the orchestration system.
type Agent struct {
	AgentID       string    `json:"agent_id"`
	ModelName     string    `json:"model_name"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	PTYSessionID  string    `json:"pty_session_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// IsAlive reports whether the agent has heartbeated within timeout.
func (a *Agent) IsAlive(timeout time.Duration) bool {
	if a.Status == StatusDead {
		return false
	}
	return time.Since(a.LastHeartbeat) < timeout
}

func (a *Agent) touch() {
	a.LastHeartbeat = time.Now()
	if a.Status == StatusDead {
		a.Status = StatusIdle
	}
}

// newAgentID mints an identity of the form {model_name}_{YYYYMMDD_HHMMSS}_{uuid[:8]}.
func newAgentID(modelName string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	return modelName + "_" + ts + "_" + uuid.NewString()[:8]
}

// Registry is a thread-safe, optionally persisted agent registry
// enforcing a single-leader invariant.
type Registry struct {
	mu               sync.Mutex
	agents           map[string]*Agent
	leaderID         string
	heartbeatTimeout time.Duration
	store            *Store
}

// New constructs a Registry. If store is non-nil, state is loaded from it
// immediately and persisted after every mutation.
func New(heartbeatTimeout time.Duration, store *Store) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	r := &Registry{
		agents:           make(map[string]*Agent),
		heartbeatTimeout: heartbeatTimeout,
		store:            store,
	}
	if store != nil {
		r.load()
	}
	return r
}

// Register registers a new agent, or — if agentID already exists —
// heartbeats it and checks it for auto-promotion. Role defaults to worker;
// requesting leader only succeeds when no alive leader currently exists.
func (r *Registry) Register(modelName string, role Role, capabilities []string, agentID, ptySessionID string) (*Agent, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapDeadLocked()

	if agentID != "" {
		if existing, ok := r.agents[agentID]; ok {
			existing.touch()
			if strings.HasPrefix(existing.AgentID, leaderIDPrefix) && existing.Role == RoleWorker && r.leaderID == "" {
				existing.Role = RoleLeader
				r.leaderID = existing.AgentID
				r.persistLocked()
				return existing, "promoted to leader (no leader existed)"
			}
			r.persistLocked()
			return existing, "heartbeat updated (already registered)"
		}
	}

	actualRole := RoleWorker
	message := "registered as worker"

	if role == RoleLeader {
		currentLeader, hasLeader := r.agents[r.leaderID]
		leaderAlive := hasLeader && currentLeader.IsAlive(r.heartbeatTimeout)

		switch {
		case r.leaderID == "" || !leaderAlive:
			actualRole = RoleLeader
			if r.leaderID != "" && !leaderAlive {
				message = "registered as leader (previous leader " + r.leaderID + " is dead)"
				r.leaderID = ""
			} else {
				message = "registered as leader (first to claim)"
			}
		default:
			message = "leader already exists (" + r.leaderID + "), registered as worker"
		}
	}

	now := time.Now()
	id := agentID
	if id == "" {
		id = newAgentID(modelName)
	}
	agent := &Agent{
		AgentID:       id,
		ModelName:     modelName,
		Role:          actualRole,
		Status:        StatusIdle,
		Capabilities:  capabilities,
		PTYSessionID:  ptySessionID,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if actualRole == RoleLeader {
		r.leaderID = agent.AgentID
	}
	r.agents[agent.AgentID] = agent
	r.persistLocked()
	return agent, message
}

// Heartbeat refreshes an agent's liveness and optionally updates its
// status and current task.
func (r *Registry) Heartbeat(agentID string, status *Status, currentTaskID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reapDeadLocked()

	agent, ok := r.agents[agentID]
	if !ok {
		return gatewayerr.New(gatewayerr.KindUnknownAgent, "agent %q not found", agentID)
	}
	agent.touch()
	if status != nil {
		agent.Status = *status
	}
	if currentTaskID != nil {
		agent.CurrentTaskID = *currentTaskID
	}
	r.persistLocked()
	return nil
}

// Deregister removes an agent from the registry, clearing the leader slot
// if it was the leader.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return gatewayerr.New(gatewayerr.KindUnknownAgent, "agent %q not found", agentID)
	}
	delete(r.agents, agentID)
	if r.leaderID == agentID {
		r.leaderID = ""
	}
	r.persistLocked()
	return nil
}

// UpdateRole promotes or demotes an agent, enforcing the single-leader
// invariant by demoting any existing leader first.
func (r *Registry) UpdateRole(agentID string, newRole Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return gatewayerr.New(gatewayerr.KindUnknownAgent, "agent %q not found", agentID)
	}
	if agent.Role == newRole {
		return nil
	}

	switch newRole {
	case RoleLeader:
		if r.leaderID != "" && r.leaderID != agentID {
			if oldLeader, ok := r.agents[r.leaderID]; ok {
				oldLeader.Role = RoleWorker
			}
		}
		agent.Role = RoleLeader
		r.leaderID = agentID
	case RoleWorker:
		agent.Role = RoleWorker
		if r.leaderID == agentID {
			r.leaderID = ""
		}
	}
	r.persistLocked()
	return nil
}

// Get returns a single agent by ID.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// ListAll returns every agent, reaping dead ones first unless
// includeDead is set.
func (r *Registry) ListAll(includeDead bool) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapDeadLocked()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if !includeDead && a.Status == StatusDead {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GetLeader returns the current leader, or nil if none is alive.
func (r *Registry) GetLeader() *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderID == "" {
		return nil
	}
	leader, ok := r.agents[r.leaderID]
	if !ok {
		return nil
	}
	if !leader.IsAlive(r.heartbeatTimeout) {
		r.leaderID = ""
		return nil
	}
	return leader
}

// GetWorkers returns all worker agents, optionally filtered by status.
func (r *Registry) GetWorkers(status *Status) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapDeadLocked()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Role != RoleWorker || a.Status == StatusDead {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, a)
	}
	return out
}

// minHeartbeatTimeout floors SetHeartbeatTimeout the same way
// applyDefaults floors the configured value: a timeout faster than this is
// almost certainly a typo, not an intentional fast-reap policy.
const minHeartbeatTimeout = 100 * time.Millisecond

// SetHeartbeatTimeout updates the liveness window applied to every
// subsequent IsAlive/reap check, floored to minHeartbeatTimeout. Mirrors
// the original registry's heartbeat_timeout setter.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	if d < minHeartbeatTimeout {
		d = minHeartbeatTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatTimeout = d
}

// Stats summarizes the registry.
type Stats struct {
	Total            int           `json:"total"`
	Alive            int           `json:"alive"`
	Dead             int           `json:"dead"`
	Leaders          int           `json:"leaders"`
	LeaderID         string        `json:"leader_id,omitempty"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapDeadLocked()

	stats := Stats{HeartbeatTimeout: r.heartbeatTimeout, LeaderID: r.leaderID}
	for _, a := range r.agents {
		stats.Total++
		if a.IsAlive(r.heartbeatTimeout) {
			stats.Alive++
			if a.Role == RoleLeader {
				stats.Leaders++
			}
		} else {
			stats.Dead++
		}
	}
	return stats
}

// PurgeDead removes every agent already marked dead or past its
// heartbeat timeout.
func (r *Registry) PurgeDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reapDeadLocked()

	var deadIDs []string
	for id, a := range r.agents {
		if a.Status == StatusDead {
			deadIDs = append(deadIDs, id)
		}
	}
	for _, id := range deadIDs {
		delete(r.agents, id)
	}
	r.persistLocked()
	return len(deadIDs)
}

// PurgeAll removes every agent, dead or alive.
func (r *Registry) PurgeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := len(r.agents)
	r.agents = make(map[string]*Agent)
	r.leaderID = ""
	r.persistLocked()
	return count
}

// reapDeadLocked marks agents past their heartbeat timeout dead and
// deletes them immediately (dead agents never accumulate), auto-promoting
// a leader_-prefixed candidate when the leader dies or is absent.
func (r *Registry) reapDeadLocked() int {
	var deadIDs []string

	for _, agent := range r.agents {
		if agent.Status != StatusDead && !agent.IsAlive(r.heartbeatTimeout) {
			deadIDs = append(deadIDs, agent.AgentID)

			if agent.AgentID == r.leaderID {
				r.leaderID = ""
				for _, candidate := range r.agents {
					if strings.HasPrefix(candidate.AgentID, leaderIDPrefix) &&
						candidate.AgentID != agent.AgentID &&
						!containsID(deadIDs, candidate.AgentID) &&
						candidate.IsAlive(r.heartbeatTimeout) {
						candidate.Role = RoleLeader
						r.leaderID = candidate.AgentID
						break
					}
				}
			}
		}
	}

	for _, id := range deadIDs {
		delete(r.agents, id)
	}

	if r.leaderID == "" {
		for _, candidate := range r.agents {
			if strings.HasPrefix(candidate.AgentID, leaderIDPrefix) {
				candidate.Role = RoleLeader
				r.leaderID = candidate.AgentID
				break
			}
		}
	}

	return len(deadIDs)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
