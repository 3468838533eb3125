package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"hearth/internal/sessions"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/xeipuuv/gojsonschema"
)

const (
	MsgSessionCreate = "session.create"
	MsgSessionGet    = "session.get"
	MsgSessionUpdate = "session.update"
	MsgSessionTouch  = "session.touch"
	MsgSessionClose  = "session.close"
	MsgSessionList   = "session.list"
	MsgConfigGet     = "config.get"
	MsgConfigReload  = "config.reload"
)

const controlWriteTimeout = 5 * time.Second

type controlRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type controlResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type sessionCreatePayload struct {
	WorkspaceID string        `json:"workspaceId"`
	UserID      string        `json:"userId"`
	Type        sessions.Type `json:"type"`
}

type sessionGetPayload struct {
	ID string `json:"id"`
}

type sessionUpdatePayload struct {
	ID       string         `json:"id"`
	UserID   *string        `json:"userId,omitempty"`
	Type     *sessions.Type `json:"type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sessionListPayload struct {
	WorkspaceID string `json:"workspaceId"`
}

var controlSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["type"],
  "properties": {
    "id": {"type": "string", "maxLength": 128},
    "type": {"type": "string", "minLength": 1, "maxLength": 64},
    "payload": {"type": "object"}
  }
}`)

var errUnknownMessage = errors.New("unknown message type")

type controlClient struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *controlClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

func (m *Manager) controlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			m.logger().Debug("control upgrade failed", "error", err)
			return
		}
		c := &controlClient{ws: ws}
		m.addClient(c)
		defer m.removeClient(c)
		m.serveControl(r.Context(), c)
	})
}

func (m *Manager) serveControl(ctx context.Context, c *controlClient) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		resp := m.handleControl(ctx, data)
		if err := c.write(ctx, resp); err != nil {
			return
		}
	}
}

func (m *Manager) handleControl(ctx context.Context, data []byte) controlResponse {
	req, err := parseControlRequest(data)
	if err != nil {
		return controlResponse{Type: "error", Error: "invalid message"}
	}
	payload, err := m.dispatch(ctx, req)
	if err != nil {
		return controlResponse{ID: req.ID, Type: req.Type, Error: err.Error()}
	}
	return controlResponse{ID: req.ID, Type: req.Type, OK: true, Payload: payload}
}

// dispatch is shared by the control channel and the bridge. Errors it
// returns are safe to show to the caller.
func (m *Manager) dispatch(ctx context.Context, req controlRequest) (any, error) {
	switch req.Type {
	case MsgSessionCreate:
		var p sessionCreatePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return m.sessions.Create(p.WorkspaceID, p.UserID, p.Type)
	case MsgSessionGet:
		var p sessionGetPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		s, ok := m.sessions.Get(p.ID)
		if !ok {
			return nil, sessions.ErrNotFound
		}
		return s, nil
	case MsgSessionUpdate:
		var p sessionUpdatePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return m.sessions.Update(p.ID, sessions.Patch{UserID: p.UserID, Type: p.Type, Metadata: p.Metadata})
	case MsgSessionTouch, MsgSessionClose:
		var p sessionGetPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		var ok bool
		if req.Type == MsgSessionTouch {
			ok = m.sessions.Touch(p.ID)
		} else {
			ok = m.sessions.Close(p.ID)
		}
		if !ok {
			return nil, sessions.ErrNotFound
		}
		return map[string]string{"id": p.ID}, nil
	case MsgSessionList:
		var p sessionListPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.WorkspaceID == "" {
			return nil, errors.New("workspaceId required")
		}
		return m.sessions.ListByWorkspace(p.WorkspaceID), nil
	case MsgConfigGet:
		return m.LiveConfig(), nil
	case MsgConfigReload:
		res, err := m.Reload(ctx)
		if err != nil {
			m.logger().Warn("control reload failed", "error", err)
			return nil, errors.New("config reload failed")
		}
		return res, nil
	default:
		return nil, errUnknownMessage
	}
}

func parseControlRequest(data []byte) (controlRequest, error) {
	result, err := gojsonschema.Validate(controlSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return controlRequest{}, err
	}
	if !result.Valid() {
		return controlRequest{}, errors.New("invalid control message")
	}
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return controlRequest{}, err
	}
	return req, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("invalid payload")
	}
	return nil
}

func (m *Manager) addClient(c *controlClient) {
	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	m.clientsMu.Unlock()
}

func (m *Manager) removeClient(c *controlClient) {
	m.clientsMu.Lock()
	delete(m.clients, c)
	m.clientsMu.Unlock()
}

func (m *Manager) closeClients() {
	m.clientsMu.Lock()
	clients := make([]*controlClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[*controlClient]struct{})
	m.clientsMu.Unlock()
	for _, c := range clients {
		_ = c.ws.Close(websocket.StatusGoingAway, "gateway stopping")
	}
}

func (m *Manager) ControlClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
