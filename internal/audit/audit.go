package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"hearth/internal/logging"
)

// Approval trail actions.
const (
	ActionRequested = "approval.requested"
	ActionApproved  = "approval.approved"
	ActionDenied    = "approval.denied"
	ActionExpired   = "approval.expired"
	ActionForged    = "approval.integrity_failed"
	ActionLaunched  = "action.launched"
)

type Event struct {
	Action      string         `json:"action"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	EnvelopeID  string         `json:"envelope_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	AuditHash   string         `json:"audit_hash,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	OccurredAt  string         `json:"occurred_at"`
}

type Writer interface {
	InsertAuditEvent(ctx context.Context, payload []byte) (string, error)
}

// Store records approval-trail events. Every event is logged; events are
// also persisted when a Writer is attached.
type Store struct {
	DB     Writer
	Logger *slog.Logger
	now    func() time.Time
}

func New() *Store {
	return &Store{now: time.Now}
}

func NewWithDB(db Writer) *Store {
	return &Store{DB: db, now: time.Now}
}

func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	if ev.Action == "" {
		return errors.New("action required")
	}
	if ev.OccurredAt == "" {
		now := time.Now
		if s.now != nil {
			now = s.now
		}
		ev.OccurredAt = now().UTC().Format(time.RFC3339)
	}
	logger := logging.WithWorkspace(logging.OrDefault(s.Logger), ev.WorkspaceID)
	logger.Info("audit",
		"action", ev.Action,
		logging.KeyEnvelope, ev.EnvelopeID,
		"actor_id", ev.ActorID,
		"outcome", ev.Outcome,
	)
	if s.DB == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.DB.InsertAuditEvent(ctx, payload)
	return err
}
