package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	commonpb "go.temporal.io/api/common/v1"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"

	"hearth/internal/controlplane"
)

var errTest = errors.New("test error")

type fakeRun struct {
	id     string
	runID  string
	result any
	err    error
	block  chan struct{}
}

func (r *fakeRun) GetID() string    { return r.id }
func (r *fakeRun) GetRunID() string { return r.runID }

func (r *fakeRun) Get(ctx context.Context, valuePtr interface{}) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	data, err := json.Marshal(r.result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, valuePtr)
}

func (r *fakeRun) GetWithOptions(ctx context.Context, valuePtr interface{}, _ client.WorkflowRunGetOptions) error {
	return r.Get(ctx, valuePtr)
}

type startCall struct {
	opts         client.StartWorkflowOptions
	workflowType interface{}
	args         []interface{}
}

type fakeTemporal struct {
	mu          sync.Mutex
	calls       []startCall
	runs        map[string]*fakeRun
	next        func(id string) *fakeRun
	startErr    error
	describeErr error
	describeRun string
}

func (f *fakeTemporal) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{opts: options, workflowType: workflow, args: args})
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.runs == nil {
		f.runs = map[string]*fakeRun{}
	}
	if run, ok := f.runs[options.ID]; ok {
		return run, nil
	}
	run := &fakeRun{id: options.ID, runID: "run-" + options.ID}
	if f.next != nil {
		run = f.next(options.ID)
	}
	f.runs[options.ID] = run
	return run, nil
}

func (f *fakeTemporal) DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
			Execution: &commonpb.WorkflowExecution{WorkflowId: workflowID, RunId: f.describeRun},
		},
	}, nil
}

func (f *fakeTemporal) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []controlplane.WorkflowRun
	err  error
}

func (f *fakeRecorder) UpsertWorkflowRun(ctx context.Context, run controlplane.WorkflowRun) (controlplane.WorkflowRunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	if f.err != nil {
		return controlplane.WorkflowRunResponse{}, f.err
	}
	return controlplane.WorkflowRunResponse{WorkflowID: run.WorkflowID, Status: run.Status}, nil
}

func (f *fakeRecorder) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.runs {
		out = append(out, r.Status)
	}
	return out
}

func (f *fakeRecorder) last() controlplane.WorkflowRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

type fakeOutbox struct {
	mu       sync.Mutex
	payloads map[string][]byte
	err      error
}

func (f *fakeOutbox) EnqueueRunStatus(ctx context.Context, workflowID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.payloads == nil {
		f.payloads = map[string][]byte{}
	}
	f.payloads[workflowID] = payload
	return nil
}

type busEvent struct {
	workspaceID string
	eventType   string
	payload     map[string]any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []busEvent
}

func (f *fakeEmitter) EmitToWorkspace(workspaceID, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := payload.(map[string]any)
	f.events = append(f.events, busEvent{workspaceID: workspaceID, eventType: eventType, payload: p})
}

func (f *fakeEmitter) snapshot() []busEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]busEvent(nil), f.events...)
}
