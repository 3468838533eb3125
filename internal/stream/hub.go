package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"hearth/internal/auth"
	"hearth/internal/logging"
	"hearth/internal/metrics"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Close codes sent before a connection is registered.
const (
	StatusUnauthorized     websocket.StatusCode = 4001
	StatusWorkspaceMissing websocket.StatusCode = 4003
)

const (
	defaultSendBuffer = 64
	defaultFrameRate  = 20
	defaultFrameBurst = 40
	writeTimeout      = 5 * time.Second
	readLimit         = 64 << 10
)

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Hub authenticates stream clients and forwards bus events to the sockets
// entitled to them.
type Hub struct {
	Bus            *Bus
	Verifier       TokenVerifier
	Logger         *slog.Logger
	OriginPatterns []string
	SendBuffer     int
	FrameRate      rate.Limit
	FrameBurst     int

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewHub(bus *Bus, verifier TokenVerifier, logger *slog.Logger) *Hub {
	return &Hub{
		Bus:        bus,
		Verifier:   verifier,
		Logger:     logger,
		SendBuffer: defaultSendBuffer,
		FrameRate:  defaultFrameRate,
		FrameBurst: defaultFrameBurst,
		conns:      make(map[*conn]struct{}),
	}
}

type conn struct {
	id          string
	userID      string
	workspaceID string
	ws          *websocket.Conn
	send        chan Frame
	limiter     *rate.Limiter

	mu   sync.Mutex
	subs map[string]struct{}
}

// ServeHTTP handles GET /v1/stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.OrDefault(h.Logger)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		log.Debug("stream upgrade failed", "error", err)
		return
	}
	claims, err := h.authenticate(r)
	if err != nil {
		log.Info("stream auth rejected", "error", err)
		_ = ws.Close(StatusUnauthorized, "unauthorized")
		return
	}
	workspaceID := strings.TrimSpace(claims.WorkspaceID)
	if workspaceID == "" {
		workspaceID = strings.TrimSpace(r.URL.Query().Get("workspaceId"))
	}
	if workspaceID == "" {
		_ = ws.Close(StatusWorkspaceMissing, "workspace required")
		return
	}
	ws.SetReadLimit(readLimit)

	c := h.newConn(ws, claims.Subject, workspaceID)
	log = log.With(slog.String(logging.KeyConnection, c.id), slog.String(logging.KeyWorkspace, workspaceID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.send <- Frame{Type: TypeConnected, Payload: map[string]any{
		"connectionId":  c.id,
		"userId":        c.userID,
		"workspaceId":   c.workspaceID,
		"subscriptions": c.subscriptions(),
	}}
	unsubscribe := h.Bus.Subscribe(c.deliver)
	h.register(c)
	log.Info("stream connected", "user_id", c.userID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, c)
	}()

	h.readLoop(ctx, c, log)

	unsubscribe()
	h.unregister(c)
	cancel()
	<-writerDone
	_ = ws.Close(websocket.StatusNormalClosure, "")
	log.Info("stream disconnected")
}

func (h *Hub) authenticate(r *http.Request) (*auth.Claims, error) {
	if h.Verifier == nil {
		return nil, errors.New("verifier not configured")
	}
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return h.Verifier.Verify(token)
}

func (h *Hub) newConn(ws *websocket.Conn, userID, workspaceID string) *conn {
	size := h.SendBuffer
	if size <= 0 {
		size = defaultSendBuffer
	}
	limit, burst := h.FrameRate, h.FrameBurst
	if limit <= 0 {
		limit = defaultFrameRate
	}
	if burst <= 0 {
		burst = defaultFrameBurst
	}
	subs := make(map[string]struct{}, len(StandardTypes))
	for _, t := range StandardTypes {
		subs[t] = struct{}{}
	}
	return &conn{
		id:          uuid.NewString(),
		userID:      userID,
		workspaceID: workspaceID,
		ws:          ws,
		send:        make(chan Frame, size),
		limiter:     rate.NewLimiter(limit, burst),
		subs:        subs,
	}
}

// deliver runs on the emitting goroutine. Workspace is checked before the
// subscription set, so "*" never crosses tenants.
func (c *conn) deliver(ev Event) {
	if ev.WorkspaceID == "" || ev.WorkspaceID != c.workspaceID {
		return
	}
	if !c.wants(ev.Type) {
		return
	}
	select {
	case c.send <- Frame{Type: ev.Type, Payload: ev.Payload}:
		metrics.StreamEventsTotal.WithLabelValues("delivered").Inc()
	default:
		metrics.StreamEventsTotal.WithLabelValues("dropped").Inc()
	}
}

func (c *conn) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[Wildcard]; ok {
		return true
	}
	_, ok := c.subs[eventType]
	return ok
}

func (c *conn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.subs)
}

func (c *conn) update(events []string, add bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		if add {
			c.subs[e] = struct{}{}
		} else {
			delete(c.subs, e)
		}
	}
	return sortedKeys(c.subs)
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, f)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn, log *slog.Logger) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug("stream read ended", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.reply(ctx, errorFrame("rate limited"))
			continue
		}
		if typ != websocket.MessageText {
			c.reply(ctx, errorFrame("text frames only"))
			continue
		}
		h.handleFrame(ctx, c, data)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *conn, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		c.reply(ctx, errorFrame("invalid message"))
		return
	}
	switch f.Type {
	case "ping":
		c.reply(ctx, Frame{Type: TypePong})
	case "subscribe", "unsubscribe":
		events, err := parseSubscription(data)
		if err != nil {
			c.reply(ctx, errorFrame("invalid "+f.Type+" payload"))
			return
		}
		if f.Type == "subscribe" {
			c.reply(ctx, Frame{Type: TypeSubscribed, Payload: map[string]any{"events": c.update(events, true)}})
		} else {
			c.reply(ctx, Frame{Type: TypeUnsubscribed, Payload: map[string]any{"events": c.update(events, false)}})
		}
	default:
		c.reply(ctx, errorFrame("unknown message type: "+f.Type))
	}
}

// reply queues a control frame, waiting for room rather than dropping it.
func (c *conn) reply(ctx context.Context, f Frame) {
	select {
	case c.send <- f:
	case <-ctx.Done():
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	if h.conns == nil {
		h.conns = make(map[*conn]struct{})
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveStreamConnections.Inc()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		metrics.ActiveStreamConnections.Dec()
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Workspaces lists workspaces with at least one live connection.
func (h *Hub) Workspaces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[string]struct{})
	for c := range h.conns {
		set[c.workspaceID] = struct{}{}
	}
	return sortedKeys(set)
}

// Close tells every client the server is going away. Handlers unwind on their
// own once the sockets close.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
}
