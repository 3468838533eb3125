package workflows

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Registrar is satisfied by worker.Worker and worker.WorkflowReplayer.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
}

func RegisterWorkflows(r Registrar) {
	if r == nil {
		return
	}
	r.RegisterWorkflowWithOptions(ActionWorkflow, workflow.RegisterOptions{Name: ActionWorkflowName})
}

// ReplayHistoryFromJSONFile fails when the current ActionWorkflow code would
// diverge from a recorded history (exported with `temporal workflow show
// --output json`).
func ReplayHistoryFromJSONFile(path string) error {
	replayer := worker.NewWorkflowReplayer()
	RegisterWorkflows(replayer)
	logger := log.NewStructuredLogger(slog.Default().With("component", "replay"))
	if err := replayer.ReplayWorkflowHistoryFromJSONFile(logger, path); err != nil {
		return fmt.Errorf("replay action workflow: %w", err)
	}
	return nil
}
