package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"hearth/internal/sessions"
)

const maxBridgeBody = 64 << 10

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// bridgeHandler serves sibling processes over plain HTTP: GET /health and
// POST /rpc with the read-only subset of the control messages.
func (m *Manager) bridgeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"state":    m.State(),
			"sessions": m.sessions.Count(),
		})
	})
	mux.HandleFunc("POST /rpc", m.handleRPC)
	return mux
}

func (m *Manager) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBridgeBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: "unreadable body"})
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: "invalid request"})
		return
	}
	switch req.Method {
	case MsgSessionGet, MsgConfigGet:
	default:
		writeJSON(w, http.StatusNotFound, rpcResponse{Error: "unknown method"})
		return
	}
	result, err := m.dispatch(r.Context(), controlRequest{Type: req.Method, Payload: req.Params})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, sessions.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, rpcResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Result: result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
