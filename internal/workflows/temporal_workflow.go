package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ActionWorkflow re-verifies an approved envelope and then runs its skill.
// Verification failures are final; skill failures retry up to MaxAttempts.
func ActionWorkflow(ctx workflow.Context, in ActionInput) (ActionResult, error) {
	if in.Envelope.EnvelopeID == "" {
		return ActionResult{}, temporal.NewNonRetryableApplicationError("envelope required", ErrKindIntegrity, nil)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := workflow.GetLogger(ctx)

	verifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	if err := workflow.ExecuteActivity(verifyCtx, "VerifyApproval", in).Get(ctx, nil); err != nil {
		logger.Warn("approval verification failed", "envelope_id", in.Envelope.EnvelopeID, "error", err)
		return ActionResult{}, err
	}

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    int32(maxAttempts),
		},
	})
	var output map[string]any
	err := workflow.ExecuteActivity(execCtx, "ExecuteAction", ExecuteActionInput{
		Envelope:   in.Envelope,
		ApprovedBy: in.ApprovedBy,
	}).Get(ctx, &output)
	if err != nil {
		return ActionResult{}, err
	}
	if output == nil {
		output = map[string]any{}
	}
	return ActionResult{
		EnvelopeID: in.Envelope.EnvelopeID,
		ToolName:   in.Envelope.ToolName,
		Output:     output,
	}, nil
}
