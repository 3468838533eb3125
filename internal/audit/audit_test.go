package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeWriter struct {
	events  int
	payload []byte
	err     error
}

func (f *fakeWriter) InsertAuditEvent(ctx context.Context, payload []byte) (string, error) {
	f.events++
	f.payload = payload
	return "audit_1", f.err
}

func TestStoreNoop(t *testing.T) {
	store := New()
	store.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if err := store.AppendEvent(context.Background(), Event{Action: ActionRequested}); err != nil {
		t.Fatalf("err: %v", err)
	}
	var nilStore *Store
	if err := nilStore.AppendEvent(context.Background(), Event{}); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestStoreRequiresAction(t *testing.T) {
	if err := New().AppendEvent(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStoreWithDB(t *testing.T) {
	writer := &fakeWriter{}
	var logs bytes.Buffer
	store := NewWithDB(writer)
	store.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	store.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	ev := Event{
		Action:      ActionApproved,
		WorkspaceID: "ws-1",
		EnvelopeID:  "env-1",
		ActorID:     "user-1",
		Outcome:     "approved",
		Detail:      map[string]any{"tool": "telephony.call"},
	}
	if err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("err: %v", err)
	}
	if writer.events != 1 {
		t.Fatalf("events: %d", writer.events)
	}
	var got Event
	if err := json.Unmarshal(writer.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.OccurredAt != "2026-05-01T12:00:00Z" || got.EnvelopeID != "env-1" {
		t.Fatalf("payload: %+v", got)
	}
	if !strings.Contains(logs.String(), `"workspace_id":"ws-1"`) || !strings.Contains(logs.String(), `"envelope_id":"env-1"`) {
		t.Fatalf("logs: %s", logs.String())
	}
}

func TestStoreWriterError(t *testing.T) {
	store := NewWithDB(&fakeWriter{err: errors.New("db down")})
	store.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if err := store.AppendEvent(context.Background(), Event{Action: ActionDenied}); err == nil {
		t.Fatalf("expected error")
	}
}
