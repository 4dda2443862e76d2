package gateway

import (
	"net/http"
	"time"

	"github.com/agentgateway/gateway/internal/agents"
)

type agentRegisterRequest struct {
	ModelName     string   `json:"model_name"`
	Role          string   `json:"role,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	AgentID       string   `json:"agent_id,omitempty"`
	PTYSessionID  string   `json:"pty_session_id,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	role := agents.RoleWorker
	if req.Role == string(agents.RoleLeader) {
		role = agents.RoleLeader
	}

	agent, message := s.agentReg.Register(req.ModelName, role, req.Capabilities, req.AgentID, req.PTYSessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":   agent,
		"message": message,
	})
}

type agentHeartbeatRequest struct {
	AgentID       string  `json:"agent_id"`
	Status        *string `json:"status,omitempty"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req agentHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var status *agents.Status
	if req.Status != nil {
		st := agents.Status(*req.Status)
		status = &st
	}

	if err := s.agentReg.Heartbeat(req.AgentID, status, req.CurrentTaskID); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	includeDead := r.URL.Query().Get("include_dead") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agentReg.ListAll(includeDead)})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := s.agentReg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agentReg.Deregister(id); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentLeader(w http.ResponseWriter, r *http.Request) {
	leader := s.agentReg.GetLeader()
	if leader == nil {
		writeGatewayErr(w, noLeaderErr())
		return
	}
	writeJSON(w, http.StatusOK, leader)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentReg.Stats())
}

func (s *Server) handleAgentPurgeDead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"purged": s.agentReg.PurgeDead()})
}

func (s *Server) handleAgentPurgeAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"purged": s.agentReg.PurgeAll()})
}

type agentTimeoutRequest struct {
	HeartbeatTimeoutSeconds float64 `json:"heartbeat_timeout_seconds"`
}

// handleAgentSetTimeout updates the registry's heartbeat timeout in place,
// floored to 100ms.
func (s *Server) handleAgentSetTimeout(w http.ResponseWriter, r *http.Request) {
	var req agentTimeoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.agentReg.SetHeartbeatTimeout(time.Duration(req.HeartbeatTimeoutSeconds * float64(time.Second)))
	writeJSON(w, http.StatusOK, map[string]any{
		"heartbeat_timeout": s.agentReg.Stats().HeartbeatTimeout,
	})
}
