package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// OutboxEntry is a workflow-run status upsert that could not be delivered to
// the control plane. Entries are keyed by workflow id; a newer status for the
// same run replaces the older one.
type OutboxEntry struct {
	WorkflowID string          `json:"workflow_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (d *DB) EnqueueRunStatus(ctx context.Context, workflowID string, payload []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(workflowID) == "" {
		return errors.New("workflow_id required")
	}
	if !json.Valid(payload) {
		return errors.New("payload must be valid json")
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO workflow_run_outbox(workflow_id, payload_json, attempts, last_error, dead, updated_at)
		VALUES ($1, $2, 0, '', false, $3)
		ON CONFLICT (workflow_id) DO UPDATE
		SET payload_json = EXCLUDED.payload_json, attempts = 0, last_error = '', dead = false, updated_at = EXCLUDED.updated_at
	`, workflowID, payload, time.Now().UTC())
	return err
}

// PendingRunStatuses returns live entries, oldest first.
func (d *DB) PendingRunStatuses(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(sub.e ORDER BY sub.updated_at), '[]'::jsonb)
		FROM (
			SELECT jsonb_build_object(
				'workflow_id', workflow_id,
				'payload', payload_json,
				'attempts', attempts,
				'last_error', last_error,
				'updated_at', updated_at
			) AS e, updated_at
			FROM workflow_run_outbox
			WHERE dead = false
			ORDER BY updated_at
			LIMIT $1
		) sub
	`, clampLimit(limit))
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	var out []OutboxEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRunStatusDelivered removes an entry unless it was replaced after the
// given entry was read.
func (d *DB) MarkRunStatusDelivered(ctx context.Context, entry OutboxEntry) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `
		DELETE FROM workflow_run_outbox WHERE workflow_id=$1 AND updated_at=$2
	`, entry.WorkflowID, entry.UpdatedAt)
	return err
}

// RecordRunStatusFailure bumps the attempt counter and parks the entry once
// maxAttempts is reached.
func (d *DB) RecordRunStatusFailure(ctx context.Context, workflowID, message string, maxAttempts int) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.withTx(ctx, func(conn dbConn) error {
		if _, err := conn.ExecContext(ctx, `
			UPDATE workflow_run_outbox SET attempts = attempts + 1, last_error = $1 WHERE workflow_id = $2
		`, message, workflowID); err != nil {
			return err
		}
		if maxAttempts <= 0 {
			return nil
		}
		_, err := conn.ExecContext(ctx, `
			UPDATE workflow_run_outbox SET dead = true WHERE workflow_id = $1 AND attempts >= $2
		`, workflowID, maxAttempts)
		return err
	})
}
