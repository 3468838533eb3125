package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"hearth/internal/approvals"
	"hearth/internal/auth"
	"hearth/internal/controlplane"
	"hearth/internal/envelope"
	"hearth/internal/logging"
	"hearth/internal/metrics"
)

const maxRequestBody = 1 << 20

type ApprovalService interface {
	Request(ctx context.Context, in approvals.RequestInput) (controlplane.CreateApprovalResponse, error)
	Decide(ctx context.Context, in approvals.DecideInput) (approvals.DecisionResult, error)
	Pending(ctx context.Context, workspaceID string) ([]controlplane.PendingApproval, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(context.Context) error

// API is the client-facing HTTP surface: the event stream, the approval
// endpoints and the health/metrics probes.
type API struct {
	Mux       *http.ServeMux
	Stream    http.Handler
	Approvals ApprovalService
	Verifier  TokenVerifier
	Tracker   *GoroutineTracker
	Checks    map[string]ReadinessCheck
	Logger    *slog.Logger
}

func NewAPI(streamHandler http.Handler, svc ApprovalService, verifier TokenVerifier, tracker *GoroutineTracker) *API {
	a := &API{
		Mux:       http.NewServeMux(),
		Stream:    streamHandler,
		Approvals: svc,
		Verifier:  verifier,
		Tracker:   tracker,
		Checks:    map[string]ReadinessCheck{},
	}
	a.routes()
	return a
}

func (a *API) routes() {
	if a.Stream != nil {
		a.Mux.Handle("GET /v1/stream", a.Stream)
	}
	a.Mux.HandleFunc("GET /v1/approvals/pending", a.handlePending)
	a.Mux.HandleFunc("POST /v1/approvals", a.handleRequest)
	a.Mux.HandleFunc("POST /v1/approvals/{id}/decision", a.handleDecision)
	a.Mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.Mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.Mux.Handle("GET /metrics", metrics.Handler())
}

func (a *API) Handler() http.Handler {
	return metrics.Middleware(a.Mux)
}

type identity struct {
	UserID      string
	WorkspaceID string
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (identity, bool) {
	if a.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return identity{}, false
	}
	token, err := auth.ParseBearer(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return identity{}, false
	}
	claims, err := a.Verifier.Verify(token)
	if err != nil || claims.Subject == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return identity{}, false
	}
	// Approval routes act on the token's workspace only; ?workspaceId= is
	// honored by the read-only stream alone.
	if claims.WorkspaceID == "" {
		writeError(w, http.StatusForbidden, "token is not scoped to a workspace")
		return identity{}, false
	}
	return identity{UserID: claims.Subject, WorkspaceID: claims.WorkspaceID}, true
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	items, err := a.Approvals.Pending(r.Context(), id.WorkspaceID)
	if err != nil {
		a.logger(id).Error("list pending approvals failed", "error", err)
		writeError(w, http.StatusBadGateway, "could not load pending approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": items})
}

type requestBody struct {
	Envelope   json.RawMessage `json:"envelope"`
	TaskID     string          `json:"taskId,omitempty"`
	WorkflowID string          `json:"workflowId,omitempty"`
	SignalName string          `json:"signalName,omitempty"`
}

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	var body requestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Envelope) == 0 {
		writeError(w, http.StatusBadRequest, "envelope required")
		return
	}
	env, err := envelope.Validate(body.Envelope)
	if err != nil {
		if errors.Is(err, envelope.ErrIntegrity) {
			writeError(w, http.StatusUnprocessableEntity, "envelope integrity check failed")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if env.WorkspaceID != id.WorkspaceID {
		writeError(w, http.StatusForbidden, "envelope belongs to another workspace")
		return
	}
	resp, err := a.Approvals.Request(r.Context(), approvals.RequestInput{
		Envelope:   env,
		UserID:     id.UserID,
		TaskID:     body.TaskID,
		WorkflowID: body.WorkflowID,
		SignalName: body.SignalName,
	})
	if err != nil {
		a.writeApprovalError(w, id, "approval request failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type decisionBody struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	envelopeID := r.PathValue("id")
	var body decisionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved required")
		return
	}
	res, err := a.Approvals.Decide(r.Context(), approvals.DecideInput{
		EnvelopeID:  envelopeID,
		WorkspaceID: id.WorkspaceID,
		UserID:      id.UserID,
		Approved:    *body.Approved,
		Reason:      body.Reason,
	})
	if err != nil {
		a.writeApprovalError(w, id, "approval decision failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) writeApprovalError(w http.ResponseWriter, id identity, msg string, err error) {
	switch {
	case errors.Is(err, approvals.ErrApprovalExpired):
		writeError(w, http.StatusGone, "this approval has expired")
	case errors.Is(err, approvals.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "this approval was already decided")
	case errors.Is(err, approvals.ErrWorkspaceMismatch), controlplane.IsNotFound(err):
		writeError(w, http.StatusNotFound, "approval not found")
	case errors.Is(err, approvals.ErrLaunchUnavailable):
		a.logger(id).Error(msg, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not confirm the approval, action execution is unavailable")
	case errors.Is(err, envelope.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, "envelope integrity check failed")
	default:
		a.logger(id).Error(msg, "error", err)
		writeError(w, http.StatusBadGateway, "could not confirm the approval, try again")
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ok := true
	for name, check := range a.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			ok = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	for name, status := range a.Tracker.Checks() {
		if status != "ok" {
			ok = false
		}
		checks["goroutine."+name] = status
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": checks})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
}

func (a *API) logger(id identity) *slog.Logger {
	return logging.WithWorkspace(logging.OrDefault(a.Logger), id.WorkspaceID).With("user_id", id.UserID)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
