package workflows

import (
	"context"

	"hearth/internal/approvals"
	"hearth/internal/controlplane"
	"hearth/internal/envelope"
)

const (
	ActionWorkflowName = "ActionWorkflow"

	TriggerApproval = "approval"
	TriggerManual   = "manual"

	DefaultMaxAttempts = 3
)

type StartRunInput struct {
	WorkspaceID  string
	WorkflowType string
	TriggerType  string
	TriggeredBy  string
	Input        map[string]any
	MaxAttempts  int

	// WorkflowID is generated as {type}-{workspaceId}-{uuid} when empty.
	WorkflowID string

	// Args are the workflow arguments; Input is passed when nil.
	Args []any

	// RetryInActivity starts the workflow with a single attempt and leaves
	// retries to its activities. MaxAttempts is still recorded on the run.
	RetryInActivity bool
}

type StartRunResult struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId,omitempty"`
}

// ActionInput is the ActionWorkflow argument.
type ActionInput struct {
	Envelope    envelope.ActionEnvelope `json:"envelope"`
	Token       approvals.ApprovalToken `json:"token"`
	ApprovedBy  string                  `json:"approvedBy"`
	TaskID      string                  `json:"taskId,omitempty"`
	MaxAttempts int                     `json:"maxAttempts"`
}

type ActionResult struct {
	EnvelopeID string         `json:"envelopeId"`
	ToolName   string         `json:"toolName"`
	Output     map[string]any `json:"output"`
}

type ExecuteActionInput struct {
	Envelope   envelope.ActionEnvelope `json:"envelope"`
	ApprovedBy string                  `json:"approvedBy"`
}

type RunRecorder interface {
	UpsertWorkflowRun(ctx context.Context, run controlplane.WorkflowRun) (controlplane.WorkflowRunResponse, error)
}

// RunOutbox keeps run upserts the control plane could not accept.
type RunOutbox interface {
	EnqueueRunStatus(ctx context.Context, workflowID string, payload []byte) error
}

type Emitter interface {
	EmitToWorkspace(workspaceID, eventType string, payload any)
}
