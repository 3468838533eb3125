package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"hearth/internal/controlplane"
	"hearth/internal/db"
	"hearth/internal/logging"
	"hearth/internal/metrics"
)

type OutboxStore interface {
	PendingRunStatuses(ctx context.Context, limit int) ([]db.OutboxEntry, error)
	MarkRunStatusDelivered(ctx context.Context, entry db.OutboxEntry) error
	RecordRunStatusFailure(ctx context.Context, workflowID, message string, maxAttempts int) error
}

// OutboxDrainer redelivers run upserts the control plane rejected earlier.
type OutboxDrainer struct {
	Store       OutboxStore
	Runs        RunRecorder
	Batch       int
	MaxAttempts int
	Timeout     time.Duration
	Logger      *slog.Logger
}

func NewOutboxDrainer(store OutboxStore, runs RunRecorder) *OutboxDrainer {
	return &OutboxDrainer{Store: store, Runs: runs, Batch: 100, MaxAttempts: 20, Timeout: time.Minute}
}

// DrainOnce delivers one batch and reports how many entries were delivered.
func (d *OutboxDrainer) DrainOnce(ctx context.Context) (int, error) {
	if d.Store == nil || d.Runs == nil {
		return 0, errors.New("outbox store and run recorder required")
	}
	entries, err := d.Store.PendingRunStatuses(ctx, d.Batch)
	if err != nil {
		return 0, err
	}
	logger := logging.OrDefault(d.Logger)
	delivered := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		var run controlplane.WorkflowRun
		if err := json.Unmarshal(entry.Payload, &run); err != nil {
			metrics.OutboxRedeliveriesTotal.WithLabelValues("invalid").Inc()
			if ferr := d.Store.RecordRunStatusFailure(ctx, entry.WorkflowID, "invalid payload: "+err.Error(), 1); ferr != nil {
				logger.Warn("outbox failure not recorded", logging.KeyWorkflow, entry.WorkflowID, "err", ferr)
			}
			continue
		}
		if _, err := d.Runs.UpsertWorkflowRun(ctx, run); err != nil {
			metrics.OutboxRedeliveriesTotal.WithLabelValues("failed").Inc()
			if ferr := d.Store.RecordRunStatusFailure(ctx, entry.WorkflowID, err.Error(), d.MaxAttempts); ferr != nil {
				logger.Warn("outbox failure not recorded", logging.KeyWorkflow, entry.WorkflowID, "err", ferr)
			}
			if errors.Is(err, controlplane.ErrNotConfigured) {
				return delivered, err
			}
			continue
		}
		if err := d.Store.MarkRunStatusDelivered(ctx, entry); err != nil {
			logger.Warn("outbox entry not cleared", logging.KeyWorkflow, entry.WorkflowID, "err", err)
		}
		metrics.OutboxRedeliveriesTotal.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered, nil
}

// Schedule runs DrainOnce on a cron spec until the returned cron is stopped.
func (d *OutboxDrainer) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := d.DrainOnce(ctx)
		if err != nil {
			logging.OrDefault(d.Logger).Warn("outbox drain failed", "delivered", n, "err", err)
			return
		}
		if n > 0 {
			logging.OrDefault(d.Logger).Info("outbox drained", "delivered", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
