package gateway

import "net/http"

type workerLimitRequest struct {
	MaxToolCalls int `json:"max_tool_calls"`
}

func (s *Server) handleWorkerLimitSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req workerLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit := s.workerLimits.Set(id, req.MaxToolCalls, "admin")
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleWorkerLimitGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, ok := s.workerLimits.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no limit configured for worker")
		return
	}
	writeJSON(w, http.StatusOK, limit)
}
