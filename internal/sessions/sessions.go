// Package sessions keeps the in-memory registry of logical client sessions.
// Nothing here is persisted; sessions are rebuilt per connection.
package sessions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeDM    Type = "dm"
	TypeGroup Type = "group"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspaceId"`
	UserID         string         `json:"userId"`
	Type           Type           `json:"type"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Patch carries the mutable fields of Update. Nil fields are left unchanged;
// Metadata keys are merged.
type Patch struct {
	UserID   *string
	Type     *Type
	Metadata map[string]any
}

// Manager is safe for concurrent use; the gateway touches it from one
// goroutine per connection.
type Manager struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byWorkspace map[string]map[string]struct{}
	now         func() time.Time
	newID       func() string
}

func New() *Manager {
	return &Manager{
		byID:        make(map[string]*Session),
		byWorkspace: make(map[string]map[string]struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

func (m *Manager) Create(workspaceID, userID string, typ Type) (Session, error) {
	if workspaceID == "" {
		return Session{}, errors.New("workspaceId required")
	}
	if userID == "" {
		return Session{}, errors.New("userId required")
	}
	if typ == "" {
		typ = TypeDM
	}
	if typ != TypeDM && typ != TypeGroup {
		return Session{}, errors.New("type must be dm or group")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	s := &Session{
		ID:             m.newID(),
		WorkspaceID:    workspaceID,
		UserID:         userID,
		Type:           typ,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       map[string]any{},
	}
	m.byID[s.ID] = s
	set := m.byWorkspace[workspaceID]
	if set == nil {
		set = make(map[string]struct{})
		m.byWorkspace[workspaceID] = set
	}
	set[s.ID] = struct{}{}
	return s.clone(), nil
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Update applies p and refreshes LastActivityAt. The workspace of a session
// never changes.
func (m *Manager) Update(id string, p Patch) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if p.UserID != nil && *p.UserID != "" {
		s.UserID = *p.UserID
	}
	if p.Type != nil {
		if *p.Type != TypeDM && *p.Type != TypeGroup {
			return Session{}, errors.New("type must be dm or group")
		}
		s.Type = *p.Type
	}
	for k, v := range p.Metadata {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		s.Metadata[k] = v
	}
	s.LastActivityAt = m.now().UTC()
	return s.clone(), nil
}

// Touch refreshes LastActivityAt only.
func (m *Manager) Touch(id string) bool {
	_, err := m.Update(id, Patch{})
	return err == nil
}

func (m *Manager) ListByWorkspace(workspaceID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byWorkspace[workspaceID]
	out := make([]Session, 0, len(set))
	for id := range set {
		out = append(out, m.byID[id].clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	if set := m.byWorkspace[s.WorkspaceID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byWorkspace, s.WorkspaceID)
		}
	}
	return true
}

// CloseAll drops every session and returns how many were open.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.byID)
	m.byID = make(map[string]*Session)
	m.byWorkspace = make(map[string]map[string]struct{})
	return n
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (s *Session) clone() Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
