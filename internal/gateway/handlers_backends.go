package gateway

import (
	"net/http"
)

func (s *Server) handleBackendsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":    s.backends.GetBackendsChain(),
		"circuits": s.backends.GetCircuitStates(),
	})
}

func (s *Server) handleBackendsCurrent(w http.ResponseWriter, r *http.Request) {
	backend, err := s.backends.GetHealthyBackend(r.Context())
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": backend.Name(),
		"model":   backend.DefaultModel(),
	})
}

func (s *Server) handleBackendsInvalidate(w http.ResponseWriter, r *http.Request) {
	s.backends.InvalidateHealthCache()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
