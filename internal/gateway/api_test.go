package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hearth/internal/approvals"
	"hearth/internal/auth"
	"hearth/internal/controlplane"
	"hearth/internal/envelope"
)

var errTest = errors.New("test error")

const (
	wsHome  = "6f1c2d9e-0b7a-4c3e-9a51-2f0d8e4b7c10"
	wsOther = "a3e9b6f2-5d41-4f8a-8c27-91b0d3e6f548"
)

type fakeApprovals struct {
	mu         sync.Mutex
	requests   []approvals.RequestInput
	decisions  []approvals.DecideInput
	pending    []controlplane.PendingApproval
	pendingErr error
	requestErr error
	decideErr  error
	decideRes  approvals.DecisionResult
}

func (f *fakeApprovals) Request(ctx context.Context, in approvals.RequestInput) (controlplane.CreateApprovalResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	if f.requestErr != nil {
		return controlplane.CreateApprovalResponse{}, f.requestErr
	}
	return controlplane.CreateApprovalResponse{EnvelopeID: in.Envelope.EnvelopeID, Status: controlplane.StatusPending}, nil
}

func (f *fakeApprovals) Decide(ctx context.Context, in approvals.DecideInput) (approvals.DecisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, in)
	return f.decideRes, f.decideErr
}

func (f *fakeApprovals) Pending(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error) {
	return f.pending, f.pendingErr
}

type apiEnv struct {
	api      *API
	svc      *fakeApprovals
	verifier *auth.Verifier
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.Config{Secret: []byte("api-secret")})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	svc := &fakeApprovals{}
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return &apiEnv{api: NewAPI(stream, svc, verifier, NewGoroutineTracker()), svc: svc, verifier: verifier}
}

func (e *apiEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *apiEnv) token(t *testing.T, user, workspace string) string {
	t.Helper()
	tok, err := e.verifier.Issue(user, workspace, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func testEnvelope(t *testing.T, workspace string) []byte {
	t.Helper()
	env, err := envelope.Create(envelope.CreateInput{
		WorkspaceID:     workspace,
		Intent:          "call the pharmacy",
		ToolName:        "telephony.call",
		Inputs:          map[string]any{"to": "+15550100"},
		ExpectedOutputs: map[string]any{"callStatus": "completed"},
		RiskLevel:       envelope.RiskHigh,
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestAPIStreamRoute(t *testing.T) {
	e := newAPIEnv(t)
	if rr := e.do(t, http.MethodGet, "/v1/stream", "", ""); rr.Code != http.StatusTeapot {
		t.Fatalf("status: %d", rr.Code)
	}
}

func TestAPIAuth(t *testing.T) {
	e := newAPIEnv(t)
	if rr := e.do(t, http.MethodGet, "/v1/approvals/pending", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/approvals/pending", "garbage", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rr.Code)
	}
	tok := e.token(t, "u-1", "")
	if rr := e.do(t, http.MethodGet, "/v1/approvals/pending", tok, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("missing workspace: %d", rr.Code)
	}
}

func TestAPIUnscopedTokenCannotPickWorkspace(t *testing.T) {
	e := newAPIEnv(t)
	tok := e.token(t, "u-1", "")
	if rr := e.do(t, http.MethodGet, "/v1/approvals/pending?workspaceId=other", tok, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("pending: %d", rr.Code)
	}
	rr := e.do(t, http.MethodPost, "/v1/approvals/env-1/decision?workspaceId=other", tok, `{"approved":true}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("decision: %d", rr.Code)
	}
	if len(e.svc.decisions) != 0 {
		t.Fatalf("decision reached the service: %+v", e.svc.decisions)
	}
	scoped := e.token(t, "u-1", "ws-1")
	if rr := e.do(t, http.MethodGet, "/v1/approvals/pending?workspaceId=other", scoped, ""); rr.Code != http.StatusOK {
		t.Fatalf("scoped: %d", rr.Code)
	}
}

func TestAPIPending(t *testing.T) {
	e := newAPIEnv(t)
	e.svc.pending = []controlplane.PendingApproval{{EnvelopeID: "env-1", ToolName: "telephony.call"}}
	rr := e.do(t, http.MethodGet, "/v1/approvals/pending", e.token(t, "u-1", "ws-1"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	items, _ := decodeMap(t, rr)["approvals"].([]any)
	if len(items) != 1 {
		t.Fatalf("body: %s", rr.Body.String())
	}

	e.svc.pendingErr = errTest
	rr = e.do(t, http.MethodGet, "/v1/approvals/pending", e.token(t, "u-1", "ws-1"), "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("error status: %d", rr.Code)
	}
	if msg := decodeMap(t, rr)["error"]; msg == errTest.Error() {
		t.Fatalf("raw error leaked: %v", msg)
	}
}

func TestAPIRequest(t *testing.T) {
	e := newAPIEnv(t)
	tok := e.token(t, "u-1", wsHome)
	env := testEnvelope(t, wsHome)

	rr := e.do(t, http.MethodPost, "/v1/approvals", tok, `{"envelope":`+string(env)+`,"taskId":"task-1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}
	if len(e.svc.requests) != 1 || e.svc.requests[0].UserID != "u-1" || e.svc.requests[0].TaskID != "task-1" {
		t.Fatalf("requests: %+v", e.svc.requests)
	}

	other := testEnvelope(t, wsOther)
	if rr := e.do(t, http.MethodPost, "/v1/approvals", tok, `{"envelope":`+string(other)+`}`); rr.Code != http.StatusForbidden {
		t.Fatalf("cross workspace: %d", rr.Code)
	}

	var tampered map[string]any
	_ = json.Unmarshal(env, &tampered)
	tampered["intent"] = "call someone else"
	data, _ := json.Marshal(tampered)
	if rr := e.do(t, http.MethodPost, "/v1/approvals", tok, `{"envelope":`+string(data)+`}`); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPost, "/v1/approvals", tok, `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing envelope: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/approvals", tok, `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rr.Code)
	}
	if len(e.svc.requests) != 1 {
		t.Fatalf("rejected requests reached the service")
	}
}

func TestAPIDecision(t *testing.T) {
	e := newAPIEnv(t)
	tok := e.token(t, "u-1", "ws-1")
	e.svc.decideRes = approvals.DecisionResult{Status: controlplane.StatusApproved, WorkflowID: "wf-1"}

	rr := e.do(t, http.MethodPost, "/v1/approvals/env-1/decision", tok, `{"approved":true,"reason":"ok"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}
	got := e.svc.decisions[0]
	if got.EnvelopeID != "env-1" || got.WorkspaceID != "ws-1" || got.UserID != "u-1" || !got.Approved {
		t.Fatalf("decision: %+v", got)
	}
	if body := decodeMap(t, rr); body["workflowId"] != "wf-1" {
		t.Fatalf("body: %v", body)
	}

	if rr := e.do(t, http.MethodPost, "/v1/approvals/env-1/decision", tok, `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing approved: %d", rr.Code)
	}
}

func TestAPIDecisionErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"expired", approvals.ErrApprovalExpired, http.StatusGone},
		{"resolved", approvals.ErrAlreadyResolved, http.StatusConflict},
		{"mismatch", approvals.ErrWorkspaceMismatch, http.StatusNotFound},
		{"not found", &controlplane.StatusError{Op: "get approval", StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"integrity", envelope.ErrIntegrity, http.StatusUnprocessableEntity},
		{"no launcher", approvals.ErrLaunchUnavailable, http.StatusServiceUnavailable},
		{"other", errTest, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newAPIEnv(t)
			e.svc.decideErr = tc.err
			rr := e.do(t, http.MethodPost, "/v1/approvals/env-1/decision", e.token(t, "u-1", "ws-1"), `{"approved":false}`)
			if rr.Code != tc.status {
				t.Fatalf("status: %d", rr.Code)
			}
		})
	}
}

func TestAPIHealth(t *testing.T) {
	e := newAPIEnv(t)
	if rr := e.do(t, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/metrics", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}

	e.api.Checks["temporal"] = func(context.Context) error { return errTest }
	rr := e.do(t, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check: %d", rr.Code)
	}
	checks, _ := decodeMap(t, rr)["checks"].(map[string]any)
	if checks["temporal"] != errTest.Error() {
		t.Fatalf("checks: %v", checks)
	}
}

func TestAPIReadyzReportsStoppedGoroutines(t *testing.T) {
	e := newAPIEnv(t)
	var wg sync.WaitGroup
	e.api.Tracker.Go(context.Background(), &wg, "expiry_watcher", func(context.Context) error { return errTest })
	wg.Wait()
	rr := e.do(t, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", rr.Code)
	}
}
