package agents

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_FirstLeaderClaimSucceeds(t *testing.T) {
	r := New(30*time.Second, nil)

	agent, msg := r.Register("claude-sonnet", RoleLeader, []string{"planning"}, "", "")
	assert.Equal(t, RoleLeader, agent.Role)
	assert.Contains(t, msg, "first to claim")

	worker, msg2 := r.Register("claude-haiku", RoleLeader, nil, "", "")
	assert.Equal(t, RoleWorker, worker.Role)
	assert.Contains(t, msg2, "already exists")
}

func TestRegister_IdempotentReRegisterHeartbeats(t *testing.T) {
	r := New(30*time.Second, nil)
	first, _ := r.Register("gpt-4o", RoleWorker, nil, "fixed-id", "")
	oldHeartbeat := first.LastHeartbeat

	time.Sleep(time.Millisecond)
	again, msg := r.Register("gpt-4o", RoleWorker, nil, "fixed-id", "")
	assert.Equal(t, "fixed-id", again.AgentID)
	assert.Contains(t, msg, "heartbeat updated")
	assert.True(t, again.LastHeartbeat.After(oldHeartbeat))
}

func TestReapDead_PromotesLeaderPrefixedWorkerWhenLeaderDies(t *testing.T) {
	r := New(20*time.Millisecond, nil)
	leader, _ := r.Register("claude-sonnet", RoleLeader, nil, "", "")
	candidate, _ := r.Register("claude-haiku", RoleWorker, nil, "leader_backup", "")
	require.Equal(t, RoleWorker, candidate.Role)

	// Keep the candidate fresh while the leader goes stale and gets reaped.
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, r.Heartbeat(candidate.AgentID, nil, nil))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Heartbeat(candidate.AgentID, nil, nil))

	got := r.GetLeader()
	require.NotNil(t, got)
	assert.Equal(t, "leader_backup", got.AgentID)

	_, ok := r.Get(leader.AgentID)
	assert.False(t, ok, "dead leader should have been reaped")
}

func TestGetLeader_ClearsStaleLeaderID(t *testing.T) {
	r := New(10*time.Millisecond, nil)
	leader, _ := r.Register("claude-sonnet", RoleLeader, nil, "", "")
	time.Sleep(20 * time.Millisecond)

	got := r.GetLeader()
	assert.Nil(t, got)

	stale, ok := r.Get(leader.AgentID)
	require.True(t, ok, "GetLeader only clears the leader pointer, it does not reap")
	assert.False(t, stale.IsAlive(10*time.Millisecond))
}

func TestUpdateRole_PromotionDemotesExistingLeader(t *testing.T) {
	r := New(30*time.Second, nil)
	leader, _ := r.Register("claude-sonnet", RoleLeader, nil, "", "")
	worker, _ := r.Register("claude-haiku", RoleWorker, nil, "", "")

	require.NoError(t, r.UpdateRole(worker.AgentID, RoleLeader))

	promoted, _ := r.Get(worker.AgentID)
	assert.Equal(t, RoleLeader, promoted.Role)
	demoted, _ := r.Get(leader.AgentID)
	assert.Equal(t, RoleWorker, demoted.Role)

	got := r.GetLeader()
	require.NotNil(t, got)
	assert.Equal(t, worker.AgentID, got.AgentID)
}

func TestDeregister_UnknownAgentErrors(t *testing.T) {
	r := New(30*time.Second, nil)
	err := r.Deregister("missing")
	require.Error(t, err)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	store := NewStore(path)

	r := New(30*time.Second, store)
	agent, _ := r.Register("claude-sonnet", RoleLeader, []string{"planning"}, "fixed", "")
	require.Equal(t, RoleLeader, agent.Role)

	r2 := New(30*time.Second, store)
	restored, ok := r2.Get("fixed")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet", restored.ModelName)
	assert.Equal(t, RoleLeader, restored.Role)

	leader := r2.GetLeader()
	require.NotNil(t, leader)
	assert.Equal(t, "fixed", leader.AgentID)
}

func TestStats_CountsAliveAndDead(t *testing.T) {
	r := New(10*time.Millisecond, nil)
	r.Register("a", RoleLeader, nil, "", "")
	r.Register("b", RoleWorker, nil, "", "")

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Alive)

	time.Sleep(20 * time.Millisecond)
	stats = r.Stats()
	assert.Equal(t, 0, stats.Total)
}
