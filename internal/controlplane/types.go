package controlplane

import "hearth/internal/envelope"

// Approval statuses as stored by the control plane.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Workflow run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunRetrying  = "retrying"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

type CreateApprovalRequest struct {
	Envelope   envelope.ActionEnvelope `json:"envelope"`
	UserID     string                  `json:"userId"`
	TaskID     string                  `json:"taskId,omitempty"`
	WorkflowID string                  `json:"workflowId,omitempty"`
	SignalName string                  `json:"signalName,omitempty"`
	ExpiresAt  string                  `json:"expiresAt,omitempty"`
}

type CreateApprovalResponse struct {
	EnvelopeID string `json:"envelopeId"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expiresAt"`
}

type PendingApproval struct {
	EnvelopeID  string             `json:"envelopeId"`
	TaskID      string             `json:"taskId,omitempty"`
	WorkflowID  string             `json:"workflowId,omitempty"`
	Intent      string             `json:"intent"`
	ToolName    string             `json:"toolName"`
	RiskLevel   envelope.RiskLevel `json:"riskLevel"`
	RequestedAt string             `json:"requestedAt"`
	ExpiresAt   string             `json:"expiresAt"`
	SignalName  string             `json:"signalName,omitempty"`
}

// ApprovalRecord is the stored envelope plus its approval state.
type ApprovalRecord struct {
	envelope.ActionEnvelope
	Status       string `json:"status"`
	UserID       string `json:"userId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	WorkflowID   string `json:"workflowId,omitempty"`
	SignalName   string `json:"signalName,omitempty"`
	RequestedAt  string `json:"requestedAt,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	RespondedBy  string `json:"respondedBy,omitempty"`
	RespondedAt  string `json:"respondedAt,omitempty"`
	DenialReason string `json:"denialReason,omitempty"`
}

type Decision struct {
	Approved bool   `json:"approved"`
	UserID   string `json:"userId"`
	Reason   string `json:"reason,omitempty"`
}

type DecisionResponse struct {
	Status string `json:"status"`
}

// WorkflowRun is upserted by workflowId; repeated upserts for the same id
// update one record.
type WorkflowRun struct {
	WorkspaceID  string         `json:"workspaceId"`
	WorkflowID   string         `json:"workflowId"`
	RunID        string         `json:"runId,omitempty"`
	WorkflowType string         `json:"workflowType"`
	TriggerType  string         `json:"triggerType,omitempty"`
	TriggeredBy  string         `json:"triggeredBy,omitempty"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts,omitempty"`
	MaxAttempts  int            `json:"maxAttempts,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    string         `json:"startedAt,omitempty"`
	CompletedAt  string         `json:"completedAt,omitempty"`
}

type WorkflowRunResponse struct {
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
}

type Notification struct {
	WorkspaceID string         `json:"workspaceId"`
	UserID      string         `json:"userId,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	DeliverAt   string         `json:"deliverAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type NotificationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type NotificationPreferences struct {
	QuietHoursEnabled bool   `json:"quietHoursEnabled"`
	QuietHoursStart   string `json:"quietHoursStart"`
	QuietHoursEnd     string `json:"quietHoursEnd"`
	Timezone          string `json:"timezone,omitempty"`
}
