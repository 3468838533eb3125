package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.temporal.io/sdk/temporal"

	"hearth/internal/approvals"
	"hearth/internal/envelope"
	"hearth/internal/logging"
	"hearth/internal/metrics"
)

// Application error types reported by the activities.
const (
	ErrKindIntegrity     = "IntegrityError"
	ErrKindApproval      = "ApprovalError"
	ErrKindUnknownTool   = "UnknownToolError"
	ErrKindSkillRejected = "SkillRejectedError"
)

// Executor runs one approved action.
type Executor interface {
	Execute(ctx context.Context, in ExecuteActionInput) (map[string]any, error)
}

type ExecutorFunc func(ctx context.Context, in ExecuteActionInput) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
	return f(ctx, in)
}

// Skills maps toolName to its executor.
type Skills struct {
	mu    sync.RWMutex
	tools map[string]Executor
}

func NewSkills() *Skills {
	return &Skills{tools: map[string]Executor{}}
}

func (s *Skills) Register(toolName string, exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		s.tools = map[string]Executor{}
	}
	s.tools[toolName] = exec
}

func (s *Skills) Lookup(toolName string) (Executor, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.tools[toolName]
	return exec, ok
}

type Activities struct {
	TokenSecret []byte
	Skills      *Skills
	Logger      *slog.Logger
}

// VerifyApproval checks the envelope hash and the approval token at the
// point of execution. Every failure is non-retryable.
func (a *Activities) VerifyApproval(ctx context.Context, in ActionInput) error {
	env := in.Envelope
	if !envelope.VerifyHash(env) {
		return temporal.NewNonRetryableApplicationError(envelope.ErrIntegrity.Error(), ErrKindIntegrity, nil)
	}
	res := approvals.VerifyApprovalToken(in.Token, a.TokenSecret)
	if res.Valid {
		metrics.TokenVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.TokenVerificationsTotal.WithLabelValues(res.Reason).Inc()
		return temporal.NewNonRetryableApplicationError("approval token "+res.Reason, ErrKindApproval, res.Err)
	}
	if in.Token.EnvelopeID != env.EnvelopeID || in.Token.WorkspaceID != env.WorkspaceID {
		return temporal.NewNonRetryableApplicationError("approval token does not match envelope", ErrKindApproval, nil)
	}
	return nil
}

func (a *Activities) ExecuteAction(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
	env := in.Envelope
	exec, ok := a.Skills.Lookup(env.ToolName)
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(fmt.Sprintf("no skill registered for %q", env.ToolName), ErrKindUnknownTool, nil)
	}
	logger := logging.WithWorkspace(a.Logger, env.WorkspaceID).With(logging.KeyEnvelope, env.EnvelopeID)
	out, err := exec.Execute(ctx, in)
	if err != nil {
		logger.Warn("skill failed", "tool", env.ToolName, "err", err)
		return nil, err
	}
	logger.Info("skill completed", "tool", env.ToolName)
	return out, nil
}
