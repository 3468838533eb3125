package approvals

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hearth/internal/audit"
	"hearth/internal/controlplane"
	"hearth/internal/logging"
	"hearth/internal/metrics"
	"hearth/internal/stream"
)

type PendingLister interface {
	ListPendingApprovals(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error)
}

// WorkspaceLister reports the workspaces that currently have listeners.
type WorkspaceLister interface {
	Workspaces() []string
}

// ExpiryWatcher announces approvals whose deadline passed while still
// pending. Each envelope is announced once per watcher lifetime while it
// stays in the pending list.
type ExpiryWatcher struct {
	Store        PendingLister
	Workspaces   WorkspaceLister
	Events       Emitter
	Audit        *audit.Store
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	last         map[string]map[string]struct{}
}

func NewExpiryWatcher(store PendingLister, workspaces WorkspaceLister, events Emitter) *ExpiryWatcher {
	return &ExpiryWatcher{
		Store:        store,
		Workspaces:   workspaces,
		Events:       events,
		PollInterval: 30 * time.Second,
		Now:          time.Now,
	}
}

func (w *ExpiryWatcher) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.Store == nil {
		return errors.New("store required")
	}
	if w.Workspaces == nil {
		return errors.New("workspace lister required")
	}
	if w.Events == nil {
		return errors.New("emitter required")
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 30 * time.Second
	}
	w.syncOnce(ctx)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.syncOnce(ctx)
		}
	}
}

func (w *ExpiryWatcher) syncOnce(ctx context.Context) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.last == nil {
		w.last = map[string]map[string]struct{}{}
	}
	now := w.Now()
	active := map[string]struct{}{}
	for _, ws := range w.Workspaces.Workspaces() {
		active[ws] = struct{}{}
		items, err := w.Store.ListPendingApprovals(ctx, ws)
		if err != nil {
			logging.WithWorkspace(w.Logger, ws).Warn("pending approvals unavailable", "err", err)
			continue
		}
		prev := w.last[ws]
		seen := map[string]struct{}{}
		for _, item := range items {
			at, err := time.Parse(time.RFC3339Nano, item.ExpiresAt)
			if err != nil || now.Before(at) {
				continue
			}
			seen[item.EnvelopeID] = struct{}{}
			if _, ok := prev[item.EnvelopeID]; ok {
				continue
			}
			w.announce(ctx, ws, item)
		}
		w.last[ws] = seen
	}
	for ws := range w.last {
		if _, ok := active[ws]; !ok {
			delete(w.last, ws)
		}
	}
}

func (w *ExpiryWatcher) announce(ctx context.Context, workspaceID string, item controlplane.PendingApproval) {
	w.Events.EmitToWorkspace(workspaceID, stream.TypeApprovalResolved, map[string]any{
		"envelopeId": item.EnvelopeID,
		"taskId":     item.TaskID,
		"status":     controlplane.StatusExpired,
	})
	metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
	if w.Audit != nil {
		err := w.Audit.AppendEvent(ctx, audit.Event{
			Action:      audit.ActionExpired,
			WorkspaceID: workspaceID,
			EnvelopeID:  item.EnvelopeID,
			Outcome:     controlplane.StatusExpired,
		})
		if err != nil {
			logging.WithWorkspace(w.Logger, workspaceID).Warn("audit write failed", "err", err)
		}
	}
}
