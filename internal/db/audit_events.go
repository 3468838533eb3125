package db

import (
	"context"
	"encoding/json"
	"time"
)

type auditPayload struct {
	OccurredAt  string          `json:"occurred_at"`
	Action      string          `json:"action"`
	WorkspaceID string          `json:"workspace_id"`
	EnvelopeID  string          `json:"envelope_id"`
	ActorID     string          `json:"actor_id"`
	Outcome     string          `json:"outcome"`
	AuditHash   string          `json:"audit_hash"`
	Detail      json.RawMessage `json:"detail"`
}

// InsertAuditEvent stores one approval-trail record. The payload is the
// JSON encoding produced by the audit package.
func (d *DB) InsertAuditEvent(ctx context.Context, payload []byte) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	var data auditPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return "", err
		}
	}
	occurredAt := time.Now().UTC()
	if data.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, data.OccurredAt)
		if err != nil {
			return "", err
		}
		occurredAt = parsed
	}
	if data.Action == "" {
		data.Action = "unknown"
	}
	detail := []byte("{}")
	if len(data.Detail) > 0 {
		detail = data.Detail
	}
	id := newID("audit")
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events(event_id, occurred_at, action, workspace_id, envelope_id, actor_id, outcome, audit_hash, detail_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, occurredAt, data.Action, nullString(data.WorkspaceID), nullString(data.EnvelopeID),
		nullString(data.ActorID), data.Outcome, data.AuditHash, detail)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListAuditEvents returns a JSON array of the newest events for a workspace
// (or all workspaces when workspaceID is empty).
func (d *DB) ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(sub.e ORDER BY sub.occurred_at DESC), '[]'::jsonb)
		FROM (
			SELECT jsonb_build_object(
				'event_id', event_id,
				'occurred_at', occurred_at,
				'action', action,
				'workspace_id', workspace_id,
				'envelope_id', envelope_id,
				'actor_id', actor_id,
				'outcome', outcome,
				'audit_hash', audit_hash,
				'detail', detail_json
			) AS e, occurred_at
			FROM audit_events
			WHERE ($1 = '' OR workspace_id = $1)
			ORDER BY occurred_at DESC
			LIMIT $2
		) sub
	`, workspaceID, clampLimit(limit))
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
