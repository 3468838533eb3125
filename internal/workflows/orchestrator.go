package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"hearth/internal/approvals"
	"hearth/internal/controlplane"
	"hearth/internal/envelope"
	"hearth/internal/logging"
	"hearth/internal/metrics"
	"hearth/internal/stream"
)

var ErrOrchestratorClosed = errors.New("orchestrator shut down")

// TemporalClient is the part of client.Client the orchestrator uses.
type TemporalClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
}

var (
	timeNow = time.Now
	newID   = uuid.NewString
)

// Orchestrator starts durable workflow runs and reports their lifecycle to
// the control plane and the event bus. Result tracking runs in goroutines
// owned by the orchestrator.
type Orchestrator struct {
	Client      TemporalClient
	TaskQueue   string
	MaxAttempts int
	Runs        RunRecorder
	Outbox      RunOutbox
	Events      Emitter
	Logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewOrchestrator(c TemporalClient, taskQueue string, runs RunRecorder, events Emitter) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Client:      c,
		TaskQueue:   taskQueue,
		MaxAttempts: DefaultMaxAttempts,
		Runs:        runs,
		Events:      events,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// StartWorkflowRun starts (or attaches to) a workflow execution. Only start
// failures are returned; the result is tracked in the background.
func (o *Orchestrator) StartWorkflowRun(ctx context.Context, in StartRunInput) (StartRunResult, error) {
	if o.Client == nil {
		return StartRunResult{}, errors.New("temporal client required")
	}
	if strings.TrimSpace(in.WorkflowType) == "" {
		return StartRunResult{}, errors.New("workflow type required")
	}
	if strings.TrimSpace(in.WorkspaceID) == "" {
		return StartRunResult{}, errors.New("workspace id required")
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return StartRunResult{}, ErrOrchestratorClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()
	tracking := false
	defer func() {
		if !tracking {
			o.wg.Done()
		}
	}()

	workflowID := in.WorkflowID
	if workflowID == "" {
		workflowID = fmt.Sprintf("%s-%s-%s", in.WorkflowType, in.WorkspaceID, newID())
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	args := in.Args
	if args == nil {
		args = []any{in.Input}
	}
	workflowAttempts := maxAttempts
	if in.RetryInActivity {
		workflowAttempts = 1
	}
	opts := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                o.TaskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    int32(workflowAttempts),
		},
	}
	logger := logging.WithWorkflow(o.Logger, in.WorkspaceID, workflowID)
	handle, err := o.Client.ExecuteWorkflow(ctx, opts, in.WorkflowType, args...)
	if err != nil {
		metrics.WorkflowRunsTotal.WithLabelValues(in.WorkflowType, "start_failed").Inc()
		logger.Error("workflow start failed", "workflow_type", in.WorkflowType, "err", err)
		return StartRunResult{}, fmt.Errorf("start workflow: %w", err)
	}
	runID := handle.GetRunID()
	if desc, err := o.Client.DescribeWorkflowExecution(ctx, workflowID, runID); err == nil {
		if exec := desc.GetWorkflowExecutionInfo().GetExecution(); exec.GetRunId() != "" {
			runID = exec.GetRunId()
		}
	} else {
		logger.Debug("describe workflow failed", "err", err)
	}

	run := controlplane.WorkflowRun{
		WorkspaceID:  in.WorkspaceID,
		WorkflowID:   workflowID,
		RunID:        runID,
		WorkflowType: in.WorkflowType,
		TriggerType:  in.TriggerType,
		TriggeredBy:  in.TriggeredBy,
		Status:       controlplane.RunRunning,
		Attempts:     1,
		MaxAttempts:  maxAttempts,
		Input:        in.Input,
		StartedAt:    timeNow().UTC().Format(envelope.TimeLayout),
	}
	o.publish(ctx, run)
	logger.Info("workflow started", "workflow_type", in.WorkflowType, "run_id", runID)

	tracking = true
	go o.track(handle, run)
	return StartRunResult{WorkflowID: workflowID, RunID: runID}, nil
}

// LaunchAction starts the ActionWorkflow for an approved envelope. The
// workflow id is derived from the envelope so a repeated launch attaches to
// the existing execution.
func (o *Orchestrator) LaunchAction(ctx context.Context, run approvals.ActionRun) (string, error) {
	env := run.Envelope
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	// ExecuteAction carries the retry budget; the workflow itself runs once.
	res, err := o.StartWorkflowRun(ctx, StartRunInput{
		WorkspaceID:     env.WorkspaceID,
		WorkflowType:    ActionWorkflowName,
		WorkflowID:      ActionWorkflowID(env.WorkspaceID, env.EnvelopeID),
		TriggerType:     TriggerApproval,
		TriggeredBy:     run.ApprovedBy,
		MaxAttempts:     maxAttempts,
		RetryInActivity: true,
		Input: map[string]any{
			"envelopeId": env.EnvelopeID,
			"toolName":   env.ToolName,
			"taskId":     run.TaskID,
		},
		Args: []any{ActionInput{
			Envelope:    env,
			Token:       run.Token,
			ApprovedBy:  run.ApprovedBy,
			TaskID:      run.TaskID,
			MaxAttempts: maxAttempts,
		}},
	})
	if err != nil {
		return "", err
	}
	return res.WorkflowID, nil
}

func ActionWorkflowID(workspaceID, envelopeID string) string {
	return ActionWorkflowName + "-" + workspaceID + "-" + envelopeID
}

// Wait blocks until every tracked run has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops tracking and refuses new runs. Workflows keep running in
// Temporal; only local tracking ends.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) track(handle client.WorkflowRun, run controlplane.WorkflowRun) {
	defer o.wg.Done()
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var raw any
	err := handle.Get(ctx, &raw)
	if ctx.Err() != nil {
		return
	}
	run.CompletedAt = timeNow().UTC().Format(envelope.TimeLayout)
	switch {
	case err == nil:
		run.Status = controlplane.RunSucceeded
		run.Result = normalizeResult(raw)
	case temporal.IsCanceledError(err):
		run.Status = controlplane.RunCanceled
		run.Error = ErrorKind(err)
	default:
		run.Status = controlplane.RunFailed
		run.Error = ErrorKind(err)
	}
	o.publish(context.Background(), run)
	logging.WithWorkflow(o.Logger, run.WorkspaceID, run.WorkflowID).Info("workflow settled", "status", run.Status, "error", run.Error)
}

// publish upserts the run and announces it. A rejected upsert goes to the
// outbox when one is configured and is otherwise dropped.
func (o *Orchestrator) publish(ctx context.Context, run controlplane.WorkflowRun) {
	metrics.WorkflowRunsTotal.WithLabelValues(run.WorkflowType, run.Status).Inc()
	logger := logging.WithWorkflow(o.Logger, run.WorkspaceID, run.WorkflowID)
	if o.Runs != nil {
		if _, err := o.Runs.UpsertWorkflowRun(ctx, run); err != nil {
			o.stash(ctx, run, err, logger)
		}
	}
	if o.Events != nil {
		o.Events.EmitToWorkspace(run.WorkspaceID, stream.TypeTaskUpdated, map[string]any{
			"workflowId":   run.WorkflowID,
			"runId":        run.RunID,
			"workflowType": run.WorkflowType,
			"status":       run.Status,
			"result":       run.Result,
			"error":        run.Error,
		})
	}
}

func (o *Orchestrator) stash(ctx context.Context, run controlplane.WorkflowRun, cause error, logger *slog.Logger) {
	if o.Outbox == nil {
		logger.Warn("workflow run upsert dropped", "status", run.Status, "err", cause)
		return
	}
	payload, err := json.Marshal(run)
	if err == nil {
		err = o.Outbox.EnqueueRunStatus(ctx, run.WorkflowID, payload)
	}
	if err != nil {
		logger.Error("workflow run upsert lost", "status", run.Status, "err", cause, "outbox_err", err)
		return
	}
	logger.Warn("workflow run upsert deferred to outbox", "status", run.Status, "err", cause)
}

func normalizeResult(raw any) map[string]any {
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": raw}
}

// ErrorKind renders a workflow failure as "{kind}: {message}".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		kind := appErr.Type()
		if kind == "" {
			kind = "ApplicationError"
		}
		return kind + ": " + appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "TimeoutError: " + timeoutErr.Error()
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return "CanceledError: " + canceledErr.Error()
	}
	var terminatedErr *temporal.TerminatedError
	if errors.As(err, &terminatedErr) {
		return "TerminatedError: " + terminatedErr.Error()
	}
	return "WorkflowError: " + err.Error()
}
