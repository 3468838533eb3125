package approvals

import (
	"context"
	"errors"
	"sync"
	"testing"

	"hearth/internal/controlplane"
	"hearth/internal/envelope"
)

const testWorkspace = "7d1f0c2e-4b7a-4c59-9a7e-2f6a1c3d5e8b"

type emitted struct {
	workspaceID string
	eventType   string
	payload     map[string]any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) EmitToWorkspace(workspaceID, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := payload.(map[string]any)
	f.events = append(f.events, emitted{workspaceID: workspaceID, eventType: eventType, payload: p})
}

func (f *fakeEmitter) ofType(eventType string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, ev := range f.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeStore behaves like the control plane: decisions are final.
type fakeStore struct {
	records   map[string]controlplane.ApprovalRecord
	created   []controlplane.CreateApprovalRequest
	decisions []controlplane.Decision
	pending   map[string][]controlplane.PendingApproval
	listErr   error
	createErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]controlplane.ApprovalRecord{}, pending: map[string][]controlplane.PendingApproval{}}
}

func (f *fakeStore) CreateApproval(ctx context.Context, req controlplane.CreateApprovalRequest) (controlplane.CreateApprovalResponse, error) {
	if f.createErr != nil {
		return controlplane.CreateApprovalResponse{}, f.createErr
	}
	f.created = append(f.created, req)
	f.records[req.Envelope.EnvelopeID] = controlplane.ApprovalRecord{
		ActionEnvelope: req.Envelope,
		Status:         controlplane.StatusPending,
		UserID:         req.UserID,
		TaskID:         req.TaskID,
		ExpiresAt:      req.ExpiresAt,
	}
	return controlplane.CreateApprovalResponse{EnvelopeID: req.Envelope.EnvelopeID, Status: controlplane.StatusPending, ExpiresAt: req.ExpiresAt}, nil
}

func (f *fakeStore) ListPendingApprovals(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pending[workspaceID], nil
}

func (f *fakeStore) GetApproval(ctx context.Context, envelopeID string) (controlplane.ApprovalRecord, error) {
	if f.getErr != nil {
		return controlplane.ApprovalRecord{}, f.getErr
	}
	rec, ok := f.records[envelopeID]
	if !ok {
		return controlplane.ApprovalRecord{}, &controlplane.StatusError{Op: "get_approval", StatusCode: 404}
	}
	return rec, nil
}

func (f *fakeStore) RecordDecision(ctx context.Context, envelopeID string, d controlplane.Decision) (controlplane.DecisionResponse, error) {
	rec, ok := f.records[envelopeID]
	if !ok {
		return controlplane.DecisionResponse{}, &controlplane.StatusError{Op: "record_decision", StatusCode: 404}
	}
	if rec.Status != controlplane.StatusPending {
		return controlplane.DecisionResponse{}, &controlplane.StatusError{Op: "record_decision", StatusCode: 409}
	}
	f.decisions = append(f.decisions, d)
	rec.Status = controlplane.StatusDenied
	if d.Approved {
		rec.Status = controlplane.StatusApproved
	}
	rec.RespondedBy = d.UserID
	rec.DenialReason = d.Reason
	f.records[envelopeID] = rec
	return controlplane.DecisionResponse{Status: rec.Status}, nil
}

type fakeLauncher struct {
	runs []ActionRun
	err  error
}

func (f *fakeLauncher) LaunchAction(ctx context.Context, run ActionRun) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, run)
	return "ActionWorkflow-" + run.Envelope.WorkspaceID + "-" + run.Envelope.EnvelopeID, nil
}

type fakeNotifier struct {
	notes  []controlplane.Notification
	urgent []bool
	err    error
}

func (f *fakeNotifier) Notify(ctx context.Context, note controlplane.Notification, urgent bool) (controlplane.NotificationResponse, error) {
	f.notes = append(f.notes, note)
	f.urgent = append(f.urgent, urgent)
	return controlplane.NotificationResponse{Status: "queued"}, f.err
}

type fakeWorkspaces []string

func (f fakeWorkspaces) Workspaces() []string { return f }

var errTest = errors.New("test error")

func callEnvelope(t *testing.T) envelope.ActionEnvelope {
	t.Helper()
	env, err := envelope.Create(envelope.CreateInput{
		WorkspaceID:     testWorkspace,
		Intent:          "Call the dentist to reschedule Tuesday's appointment",
		ToolName:        "telephony.call",
		Inputs:          map[string]any{"phone": "+15550100", "script": "reschedule"},
		ExpectedOutputs: map[string]any{"callStatus": "completed"},
		RiskLevel:       envelope.RiskHigh,
		PIIFields:       []string{"phone"},
		RollbackPlan:    "Call back and restore the original slot",
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return env
}
