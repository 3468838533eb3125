package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hearth/internal/audit"
	"hearth/internal/controlplane"
	"hearth/internal/envelope"
	"hearth/internal/logging"
	"hearth/internal/metrics"
	"hearth/internal/stream"
)

var (
	ErrApprovalExpired   = errors.New("approval expired")
	ErrAlreadyResolved   = errors.New("approval already resolved")
	ErrWorkspaceMismatch = errors.New("approval belongs to another workspace")
	ErrLaunchUnavailable = errors.New("action execution unavailable")
)

const DefaultRequestTTL = 24 * time.Hour

type Store interface {
	CreateApproval(ctx context.Context, req controlplane.CreateApprovalRequest) (controlplane.CreateApprovalResponse, error)
	ListPendingApprovals(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error)
	GetApproval(ctx context.Context, envelopeID string) (controlplane.ApprovalRecord, error)
	RecordDecision(ctx context.Context, envelopeID string, d controlplane.Decision) (controlplane.DecisionResponse, error)
}

type Notifier interface {
	Notify(ctx context.Context, note controlplane.Notification, urgent bool) (controlplane.NotificationResponse, error)
}

type Emitter interface {
	EmitToWorkspace(workspaceID, eventType string, payload any)
}

// ActionRun is everything the durable execution needs to re-verify and run
// an approved envelope.
type ActionRun struct {
	Envelope   envelope.ActionEnvelope `json:"envelope"`
	Token      ApprovalToken           `json:"token"`
	ApprovedBy string                  `json:"approvedBy"`
	TaskID     string                  `json:"taskId,omitempty"`
}

// Launcher starts the durable execution of an approved action and returns
// its workflow id. Launching the same envelope twice must not start two
// executions.
type Launcher interface {
	LaunchAction(ctx context.Context, run ActionRun) (string, error)
}

type RequestInput struct {
	Envelope   envelope.ActionEnvelope
	UserID     string
	TaskID     string
	WorkflowID string
	SignalName string
}

type DecideInput struct {
	EnvelopeID  string
	WorkspaceID string
	UserID      string
	Approved    bool
	Reason      string
}

type DecisionResult struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// Service runs the approval pipeline: request, decide, launch.
type Service struct {
	Store       Store
	Notifier    Notifier
	Events      Emitter
	Launcher    Launcher
	Audit       *audit.Store
	TokenSecret []byte
	TokenTTL    int
	RequestTTL  time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func (s *Service) Request(ctx context.Context, in RequestInput) (controlplane.CreateApprovalResponse, error) {
	if s.Store == nil {
		return controlplane.CreateApprovalResponse{}, errors.New("store required")
	}
	env := in.Envelope
	logger := logging.WithWorkspace(s.Logger, env.WorkspaceID).With(logging.KeyEnvelope, env.EnvelopeID)
	if !envelope.VerifyHash(env) {
		s.reject(ctx, env, in.UserID)
		return controlplane.CreateApprovalResponse{}, envelope.ErrIntegrity
	}
	if strings.TrimSpace(in.UserID) == "" {
		return controlplane.CreateApprovalResponse{}, errors.New("user id required")
	}
	ttl := s.RequestTTL
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	expiresAt := s.now().Add(ttl).UTC().Format(envelope.TimeLayout)
	resp, err := s.Store.CreateApproval(ctx, controlplane.CreateApprovalRequest{
		Envelope:   env,
		UserID:     in.UserID,
		TaskID:     in.TaskID,
		WorkflowID: in.WorkflowID,
		SignalName: in.SignalName,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return controlplane.CreateApprovalResponse{}, fmt.Errorf("persist approval: %w", err)
	}
	if resp.ExpiresAt != "" {
		expiresAt = resp.ExpiresAt
	}
	if s.Notifier != nil {
		note := controlplane.Notification{
			WorkspaceID: env.WorkspaceID,
			UserID:      in.UserID,
			Type:        "approval_requested",
			Title:       "Approval needed",
			Body:        env.Intent,
			Metadata: map[string]any{
				"envelopeId": env.EnvelopeID,
				"toolName":   env.ToolName,
				"riskLevel":  string(env.RiskLevel),
			},
		}
		if _, err := s.Notifier.Notify(ctx, note, env.RiskLevel == envelope.RiskHigh); err != nil {
			logger.Warn("approval notification skipped", "err", err)
		}
	}
	s.emit(env.WorkspaceID, stream.TypeApprovalRequested, map[string]any{
		"envelopeId":   env.EnvelopeID,
		"taskId":       in.TaskID,
		"intent":       env.Intent,
		"toolName":     env.ToolName,
		"riskLevel":    env.RiskLevel,
		"inputs":       env.RedactedInputs(),
		"rollbackPlan": env.RollbackPlan,
		"expiresAt":    expiresAt,
	})
	s.record(ctx, audit.Event{
		Action:      audit.ActionRequested,
		WorkspaceID: env.WorkspaceID,
		EnvelopeID:  env.EnvelopeID,
		ActorID:     in.UserID,
		Outcome:     controlplane.StatusPending,
		AuditHash:   env.AuditHash,
		Detail:      map[string]any{"toolName": env.ToolName, "riskLevel": string(env.RiskLevel)},
	})
	metrics.ApprovalsTotal.WithLabelValues("requested").Inc()
	logger.Info("approval requested", "tool", env.ToolName, "risk", env.RiskLevel)
	if resp.Status == "" {
		resp.Status = controlplane.StatusPending
	}
	resp.EnvelopeID = env.EnvelopeID
	resp.ExpiresAt = expiresAt
	return resp, nil
}

// Decide records a human decision. An approval is only recorded when the
// action can be launched. The approver may repeat an approval whose launch
// failed; the launcher dedupes by envelope so this never starts a second run.
func (s *Service) Decide(ctx context.Context, in DecideInput) (DecisionResult, error) {
	if s.Store == nil {
		return DecisionResult{}, errors.New("store required")
	}
	if strings.TrimSpace(in.EnvelopeID) == "" || strings.TrimSpace(in.UserID) == "" {
		return DecisionResult{}, errors.New("envelope id and user id required")
	}
	rec, err := s.Store.GetApproval(ctx, in.EnvelopeID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("load approval: %w", err)
	}
	env := rec.ActionEnvelope
	if in.WorkspaceID != "" && env.WorkspaceID != in.WorkspaceID {
		return DecisionResult{}, ErrWorkspaceMismatch
	}
	logger := logging.WithWorkspace(s.Logger, env.WorkspaceID).With(logging.KeyEnvelope, env.EnvelopeID)
	if env.EnvelopeID != in.EnvelopeID || !envelope.VerifyHash(env) {
		s.reject(ctx, env, in.UserID)
		return DecisionResult{}, envelope.ErrIntegrity
	}
	relaunch := false
	switch rec.Status {
	case controlplane.StatusPending:
	case controlplane.StatusExpired:
		return DecisionResult{}, ErrApprovalExpired
	case controlplane.StatusApproved:
		if !in.Approved || rec.RespondedBy != in.UserID {
			return DecisionResult{}, ErrAlreadyResolved
		}
		relaunch = true
	default:
		return DecisionResult{}, ErrAlreadyResolved
	}
	if !relaunch && s.expired(rec.ExpiresAt) {
		s.emit(env.WorkspaceID, stream.TypeApprovalResolved, map[string]any{
			"envelopeId": env.EnvelopeID,
			"status":     controlplane.StatusExpired,
		})
		s.record(ctx, audit.Event{
			Action:      audit.ActionExpired,
			WorkspaceID: env.WorkspaceID,
			EnvelopeID:  env.EnvelopeID,
			ActorID:     in.UserID,
			Outcome:     controlplane.StatusExpired,
			AuditHash:   env.AuditHash,
		})
		metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		return DecisionResult{}, ErrApprovalExpired
	}
	if in.Approved && s.Launcher == nil {
		logger.Error("approval refused, no action launcher configured", "user_id", in.UserID)
		return DecisionResult{}, ErrLaunchUnavailable
	}

	if !relaunch {
		decision := controlplane.Decision{Approved: in.Approved, UserID: in.UserID}
		if !in.Approved {
			decision.Reason = in.Reason
		}
		if _, err := s.Store.RecordDecision(ctx, env.EnvelopeID, decision); err != nil {
			if controlplane.IsConflict(err) {
				return DecisionResult{}, ErrAlreadyResolved
			}
			return DecisionResult{}, fmt.Errorf("record decision: %w", err)
		}
	}

	if !in.Approved {
		s.emit(env.WorkspaceID, stream.TypeApprovalResolved, map[string]any{
			"envelopeId":  env.EnvelopeID,
			"status":      controlplane.StatusDenied,
			"respondedBy": in.UserID,
			"reason":      in.Reason,
		})
		s.record(ctx, audit.Event{
			Action:      audit.ActionDenied,
			WorkspaceID: env.WorkspaceID,
			EnvelopeID:  env.EnvelopeID,
			ActorID:     in.UserID,
			Outcome:     controlplane.StatusDenied,
			AuditHash:   env.AuditHash,
			Detail:      map[string]any{"reason": in.Reason},
		})
		metrics.ApprovalsTotal.WithLabelValues("denied").Inc()
		logger.Info("approval denied", "user_id", in.UserID)
		return DecisionResult{Status: controlplane.StatusDenied}, nil
	}

	if !relaunch {
		s.record(ctx, audit.Event{
			Action:      audit.ActionApproved,
			WorkspaceID: env.WorkspaceID,
			EnvelopeID:  env.EnvelopeID,
			ActorID:     in.UserID,
			Outcome:     controlplane.StatusApproved,
			AuditHash:   env.AuditHash,
			Detail:      map[string]any{"toolName": env.ToolName},
		})
		metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	}
	result := DecisionResult{Status: controlplane.StatusApproved}
	workflowID, err := s.launch(ctx, env, in.UserID, rec.TaskID)
	if err != nil {
		logger.Error("action launch failed", "err", err, "relaunch", relaunch)
		return result, err
	}
	result.WorkflowID = workflowID
	s.emit(env.WorkspaceID, stream.TypeApprovalResolved, map[string]any{
		"envelopeId":  env.EnvelopeID,
		"status":      controlplane.StatusApproved,
		"respondedBy": in.UserID,
		"workflowId":  workflowID,
	})
	s.emit(env.WorkspaceID, stream.TypeTaskCreated, map[string]any{
		"workflowId": workflowID,
		"envelopeId": env.EnvelopeID,
		"toolName":   env.ToolName,
		"status":     controlplane.RunRunning,
	})
	s.record(ctx, audit.Event{
		Action:      audit.ActionLaunched,
		WorkspaceID: env.WorkspaceID,
		EnvelopeID:  env.EnvelopeID,
		ActorID:     in.UserID,
		Outcome:     controlplane.RunRunning,
		AuditHash:   env.AuditHash,
		Detail:      map[string]any{"workflowId": workflowID, "toolName": env.ToolName, "relaunch": relaunch},
	})
	logger.Info("approval granted", "user_id", in.UserID, logging.KeyWorkflow, workflowID, "relaunch", relaunch)
	return result, nil
}

// launch mints a fresh approval token and hands the envelope to the launcher.
func (s *Service) launch(ctx context.Context, env envelope.ActionEnvelope, userID, taskID string) (string, error) {
	token, err := CreateApprovalToken(env.EnvelopeID, env.WorkspaceID, userID, s.TokenSecret, s.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("issue approval token: %w", err)
	}
	res := VerifyApprovalToken(token, s.TokenSecret)
	metrics.TokenVerificationsTotal.WithLabelValues(resultLabel(res)).Inc()
	if !res.Valid {
		return "", fmt.Errorf("approval token rejected: %s", res.Reason)
	}
	workflowID, err := s.Launcher.LaunchAction(ctx, ActionRun{
		Envelope:   env,
		Token:      token,
		ApprovedBy: userID,
		TaskID:     taskID,
	})
	if err != nil {
		return "", fmt.Errorf("launch action: %w", err)
	}
	return workflowID, nil
}

// Pending lists approvals still open for a workspace, dropping any whose
// deadline has passed.
func (s *Service) Pending(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error) {
	if s.Store == nil {
		return nil, errors.New("store required")
	}
	items, err := s.Store.ListPendingApprovals(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]controlplane.PendingApproval, 0, len(items))
	for _, item := range items {
		if s.expired(item.ExpiresAt) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Service) reject(ctx context.Context, env envelope.ActionEnvelope, userID string) {
	logging.WithWorkspace(s.Logger, env.WorkspaceID).Warn("envelope integrity check failed", logging.KeyEnvelope, env.EnvelopeID)
	s.record(ctx, audit.Event{
		Action:      audit.ActionForged,
		WorkspaceID: env.WorkspaceID,
		EnvelopeID:  env.EnvelopeID,
		ActorID:     userID,
		Outcome:     "rejected",
		AuditHash:   env.AuditHash,
	})
	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendEvent(ctx, ev); err != nil {
		logging.OrDefault(s.Logger).Warn("audit write failed", "action", ev.Action, "err", err)
	}
}

func (s *Service) emit(workspaceID, eventType string, payload any) {
	if s.Events == nil {
		return
	}
	s.Events.EmitToWorkspace(workspaceID, eventType, payload)
}

func (s *Service) expired(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return false
	}
	return !s.now().Before(at)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func resultLabel(res VerifyResult) string {
	if res.Valid {
		return "valid"
	}
	return res.Reason
}
