// Package stream fans workspace-scoped events out to connected WebSocket
// clients.
package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"hearth/internal/logging"
	"hearth/internal/metrics"
)

// Event types carried on the bus and the wire.
const (
	TypeChatDelta         = "chat.message.delta"
	TypeChatFinal         = "chat.message.final"
	TypeTaskCreated       = "task.created"
	TypeTaskUpdated       = "task.updated"
	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"

	TypeConnected    = "connected"
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"

	Wildcard = "*"
)

// StandardTypes is the default subscription set of a new connection.
var StandardTypes = []string{
	TypeChatDelta,
	TypeChatFinal,
	TypeTaskCreated,
	TypeTaskUpdated,
	TypeApprovalRequested,
	TypeApprovalResolved,
}

type Event struct {
	Type        string `json:"type"`
	Payload     any    `json:"payload,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Bus is an in-process pub/sub with no listener cap. Handlers run on the
// emitting goroutine and must not block.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Event)
	order    []int

	Logger *slog.Logger
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Event))}
}

// Subscribe registers fn and returns its cancel func. Cancel is idempotent.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.order = append(b.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every handler registered when Emit was called, in
// subscription order. A panicking handler does not stop delivery to others.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		b.safeCall(fn, ev)
	}
}

func (b *Bus) EmitToWorkspace(workspaceID, eventType string, payload any) {
	b.Emit(Event{Type: eventType, Payload: payload, WorkspaceID: workspaceID})
}

func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// safeCall keeps one failing listener from starving the rest.
func (b *Bus) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StreamEventsTotal.WithLabelValues("listener_panic").Inc()
			logging.WithWorkspace(b.Logger, ev.WorkspaceID).Error("bus listener panicked",
				"event_type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}
