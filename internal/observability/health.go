package observability

import (
	"encoding/json"
	"net/http"
)

// HealthStatus reports whether a node considers itself ready to serve
// transfers.
type HealthStatus struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// HealthHandler serves a static /healthz response for the node.
func HealthHandler(nodeID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(HealthStatus{Status: "ok", NodeID: nodeID})
	})
}
