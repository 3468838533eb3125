package workflows

import (
	"context"
	"errors"
	"testing"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"hearth/internal/approvals"
	"hearth/internal/envelope"
)

var testSecret = []byte("approval-secret")

func approvedInput(t *testing.T) ActionInput {
	t.Helper()
	env, err := envelope.Create(envelope.CreateInput{
		WorkspaceID:     testWorkspace,
		Intent:          "Call the dentist to reschedule",
		ToolName:        "telephony.call",
		Inputs:          map[string]any{"phone": "+15550100"},
		ExpectedOutputs: map[string]any{"callStatus": "completed"},
		RiskLevel:       envelope.RiskHigh,
		PIIFields:       []string{"phone"},
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	token, err := approvals.CreateApprovalToken(env.EnvelopeID, env.WorkspaceID, "parent-1", testSecret, 300)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return ActionInput{Envelope: env, Token: token, ApprovedBy: "parent-1", MaxAttempts: 3}
}

func newWorkflowEnv(skills *Skills) *testsuite.TestWorkflowEnvironment {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	RegisterWorkflows(env)
	env.RegisterActivity(&Activities{TokenSecret: testSecret, Skills: skills})
	return env
}

func applicationErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}

func TestActionWorkflowSuccess(t *testing.T) {
	skills := NewSkills()
	var got ExecuteActionInput
	skills.Register("telephony.call", ExecutorFunc(func(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
		got = in
		return map[string]any{"callStatus": "completed"}, nil
	}))
	env := newWorkflowEnv(skills)
	in := approvedInput(t)
	env.ExecuteWorkflow(ActionWorkflowName, in)
	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow not completed")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	var res ActionResult
	if err := env.GetWorkflowResult(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.EnvelopeID != in.Envelope.EnvelopeID || res.Output["callStatus"] != "completed" {
		t.Fatalf("res: %+v", res)
	}
	if got.ApprovedBy != "parent-1" || got.Envelope.ToolName != "telephony.call" {
		t.Fatalf("skill input: %+v", got)
	}
}

func TestActionWorkflowRetriesSkill(t *testing.T) {
	skills := NewSkills()
	calls := 0
	skills.Register("telephony.call", ExecutorFunc(func(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("line busy")
		}
		return map[string]any{}, nil
	}))
	env := newWorkflowEnv(skills)
	env.ExecuteWorkflow(ActionWorkflowName, approvedInput(t))
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestActionWorkflowExhaustsAttempts(t *testing.T) {
	skills := NewSkills()
	calls := 0
	skills.Register("telephony.call", ExecutorFunc(func(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
		calls++
		return nil, errors.New("line busy")
	}))
	env := newWorkflowEnv(skills)
	in := approvedInput(t)
	in.MaxAttempts = 2
	env.ExecuteWorkflow(ActionWorkflowName, in)
	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 2 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestActionWorkflowRejectsTamperedEnvelope(t *testing.T) {
	skills := NewSkills()
	executed := false
	skills.Register("telephony.call", ExecutorFunc(func(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
		executed = true
		return nil, nil
	}))
	env := newWorkflowEnv(skills)
	in := approvedInput(t)
	in.Envelope.Inputs = map[string]any{"phone": "+15559999"}
	env.ExecuteWorkflow(ActionWorkflowName, in)
	err := env.GetWorkflowError()
	if applicationErrorType(err) != ErrKindIntegrity {
		t.Fatalf("err: %v", err)
	}
	if executed {
		t.Fatalf("tampered action executed")
	}
}

func TestActionWorkflowRejectsForgedToken(t *testing.T) {
	env := newWorkflowEnv(NewSkills())
	in := approvedInput(t)
	forged, err := approvals.CreateApprovalToken(in.Envelope.EnvelopeID, in.Envelope.WorkspaceID, "intruder", []byte("wrong"), 300)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	in.Token = forged
	env.ExecuteWorkflow(ActionWorkflowName, in)
	if got := applicationErrorType(env.GetWorkflowError()); got != ErrKindApproval {
		t.Fatalf("type: %q", got)
	}
}

func TestActionWorkflowRejectsTokenForOtherEnvelope(t *testing.T) {
	env := newWorkflowEnv(NewSkills())
	in := approvedInput(t)
	other, err := approvals.CreateApprovalToken("other-envelope", in.Envelope.WorkspaceID, "parent-1", testSecret, 300)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	in.Token = other
	env.ExecuteWorkflow(ActionWorkflowName, in)
	if got := applicationErrorType(env.GetWorkflowError()); got != ErrKindApproval {
		t.Fatalf("type: %q", got)
	}
}

func TestActionWorkflowUnknownTool(t *testing.T) {
	env := newWorkflowEnv(NewSkills())
	env.ExecuteWorkflow(ActionWorkflowName, approvedInput(t))
	if got := applicationErrorType(env.GetWorkflowError()); got != ErrKindUnknownTool {
		t.Fatalf("type: %q", got)
	}
}

func TestActionWorkflowMissingEnvelope(t *testing.T) {
	env := newWorkflowEnv(NewSkills())
	env.ExecuteWorkflow(ActionWorkflowName, ActionInput{})
	if got := applicationErrorType(env.GetWorkflowError()); got != ErrKindIntegrity {
		t.Fatalf("type: %q", got)
	}
}
