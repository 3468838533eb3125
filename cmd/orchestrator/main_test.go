package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"hearth/internal/config"
	"hearth/internal/db"
	"hearth/internal/workflows"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type fakeWorker struct {
	workflowNames []string
	activityCount int
	ran           bool
}

func (f *fakeWorker) RegisterWorkflow(fn any) {
	f.workflowNames = append(f.workflowNames, "")
}

func (f *fakeWorker) RegisterWorkflowWithOptions(fn any, opts workflow.RegisterOptions) {
	f.workflowNames = append(f.workflowNames, opts.Name)
}

func (f *fakeWorker) RegisterDynamicWorkflow(_ any, _ workflow.DynamicRegisterOptions) {}

func (f *fakeWorker) RegisterActivity(fn any) {
	f.activityCount++
}

func (f *fakeWorker) RegisterActivityWithOptions(fn any, _ activity.RegisterOptions) {
	f.activityCount++
}

func (f *fakeWorker) RegisterDynamicActivity(_ any, _ activity.DynamicRegisterOptions) {}
func (f *fakeWorker) RegisterNexusService(_ *nexus.Service)                             {}
func (f *fakeWorker) Start() error                                                      { return nil }
func (f *fakeWorker) Run(<-chan interface{}) error                                     { return nil }
func (f *fakeWorker) Stop()                                                             {}

const validConfig = `{
  "gateway": {"http_addr": ":8080"},
  "stream": {"jwt_secret": "s"},
  "approvals": {"token_secret": "approval-secret"},
  "orchestrator": {"temporal_addr": "t", "task_queue": "q", "health_addr": "127.0.0.1:0", "skill_endpoints": {"telephony.call": "http://skills/call", "calendar.create": "http://skills/cal"}},
  "storage": {"postgres_dsn": "dsn", "outbox_cron": "@every 1h"}
}`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	file := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

func TestRunMissingConfig(t *testing.T) {
	if err := run([]string{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBadFlag(t *testing.T) {
	if err := run([]string{"-badflag"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadConfigError(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	defer func() { loadConfig = oldLoad }()

	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMissingTokenSecret(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, nil }
	defer func() { loadConfig = oldLoad }()
	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunDBError(t *testing.T) {
	file := writeConfig(t, validConfig)
	oldDB := newDB
	newDB = func(dsn string) (*db.DB, error) { return nil, errors.New("db fail") }
	defer func() { newDB = oldDB }()
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOK(t *testing.T) {
	file := writeConfig(t, validConfig)
	oldStart := startWorker
	defer func() { startWorker = oldStart }()
	oldDB := newDB
	newDB = func(dsn string) (*db.DB, error) { return &db.DB{}, nil }
	defer func() { newDB = oldDB }()

	var got *workflows.Activities
	startWorker = func(acts *workflows.Activities, cfg config.Config) error {
		got = acts
		if cfg.Orchestrator.TemporalAddr != "t" {
			t.Fatalf("temporal: %s", cfg.Orchestrator.TemporalAddr)
		}
		return nil
	}

	if err := run([]string{"-config", file}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got == nil || string(got.TokenSecret) != "approval-secret" {
		t.Fatalf("activities: %#v", got)
	}
	for _, tool := range []string{"telephony.call", "calendar.create"} {
		exec, ok := got.Skills.Lookup(tool)
		if !ok {
			t.Fatalf("%s not registered", tool)
		}
		if _, ok := exec.(*workflows.SkillClient); !ok {
			t.Fatalf("%s executor: %T", tool, exec)
		}
	}
	if _, ok := got.Skills.Lookup("sms.send"); ok {
		t.Fatalf("unexpected skill")
	}
}

func TestRunStartWorkerError(t *testing.T) {
	file := writeConfig(t, validConfig)
	oldStart := startWorker
	startWorker = func(acts *workflows.Activities, cfg config.Config) error {
		return errors.New("boom")
	}
	defer func() { startWorker = oldStart }()
	oldDB := newDB
	newDB = func(dsn string) (*db.DB, error) { return &db.DB{}, nil }
	defer func() { newDB = oldDB }()
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunReplay(t *testing.T) {
	old := replayHistory
	defer func() { replayHistory = old }()
	var path string
	replayHistory = func(p string) error { path = p; return nil }
	if err := run([]string{"-replay", "history.json"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if path != "history.json" {
		t.Fatalf("path: %s", path)
	}
	replayHistory = func(string) error { return errors.New("nondeterministic") }
	if err := run([]string{"-replay", "history.json"}); err == nil {
		t.Fatalf("expected replay error")
	}
}

func TestStartWorkerDefault(t *testing.T) {
	oldWorker := newWorker
	oldRun := runWorker
	oldSet := setTemporalHealthClient
	defer func() {
		newWorker = oldWorker
		runWorker = oldRun
		setTemporalHealthClient = oldSet
	}()
	fake := &fakeWorker{}
	newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
		return fake, io.NopCloser(nil), nil
	}
	setTemporalHealthClient = func(c client.Client) {}
	runWorker = func(w worker.Worker) error {
		fake.ran = true
		return nil
	}
	cfg := config.Config{Orchestrator: config.OrchestratorConfig{TemporalAddr: "t", TaskQueue: "q"}}
	if err := startWorker(&workflows.Activities{}, cfg); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !fake.ran || fake.activityCount != 1 {
		t.Fatalf("worker not registered")
	}
	if len(fake.workflowNames) != 1 || fake.workflowNames[0] != workflows.ActionWorkflowName {
		t.Fatalf("workflows: %v", fake.workflowNames)
	}
}

func TestStartWorkerClientError(t *testing.T) {
	oldWorker := newWorker
	defer func() { newWorker = oldWorker }()
	newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
		return nil, nil, errors.New("dial failed")
	}
	if err := startWorker(&workflows.Activities{}, config.Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHealthMux(t *testing.T) {
	oldClient := temporalHealthClient
	defer func() { temporalHealthClient = oldClient }()
	temporalHealthClient = nil

	mux := healthMux(nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without temporal: %d", rr.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unavailable" || body.Checks["temporal"] != "not connected" {
		t.Fatalf("readyz body: %+v", body)
	}
	if _, ok := body.Checks["db"]; ok {
		t.Fatalf("db check without database: %+v", body.Checks)
	}
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestReadinessChecksWithDatabase(t *testing.T) {
	checks := readinessChecks(&db.DB{})
	if err := checks["db"](context.Background()); err == nil {
		t.Fatalf("expected uninitialized db to fail readiness")
	}
}

func TestStartOutboxWithoutDatabase(t *testing.T) {
	c, err := startOutbox(nil, config.Config{})
	if err != nil || c != nil {
		t.Fatalf("expected no schedule, got %v %v", c, err)
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()

	oldArgs := os.Args
	os.Args = []string{"orchestrator"}
	defer func() { os.Args = oldArgs }()

	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
