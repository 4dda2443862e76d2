package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agentgateway/gateway/internal/gatewayerr"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeGatewayErr maps a *gatewayerr.Error to its documented HTTP status
// class and writes it as a JSON error body.
func writeGatewayErr(w http.ResponseWriter, err error) {
	if ge, ok := gatewayerr.As(err); ok {
		writeJSON(w, ge.Kind.StatusClass(), map[string]any{
			"error": ge.Message,
			"kind":  ge.Kind,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func noLeaderErr() error {
	return gatewayerr.New(gatewayerr.KindNoLeader, "no leader currently registered")
}
