// Package controlplane is the HTTP client for the control plane, the system of
// record for approvals, workflow runs and notifications.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hearth/internal/logging"
	"hearth/internal/metrics"

	"github.com/xeipuuv/gojsonschema"
)

const (
	headerServiceToken = "x-service-token"
	DefaultPrefsTTL    = 5 * time.Minute
)

// ErrNotConfigured is returned without any request when the base URL or the
// service token is missing. Callers degrade instead of failing the user.
var ErrNotConfigured = errors.New("control plane not configured")

// StatusError carries a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("control plane %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("control plane %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports a rejected state transition, such as a second decision
// on a resolved approval.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

type Client struct {
	BaseURL  string
	Token    string
	HTTP     *http.Client
	Prefs    Cache
	PrefsTTL time.Duration
	Logger   *slog.Logger
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		Prefs:    NewMemoryCache(),
		PrefsTTL: DefaultPrefsTTL,
	}
}

func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Token) != ""
}

func (c *Client) CreateApproval(ctx context.Context, req CreateApprovalRequest) (CreateApprovalResponse, error) {
	var resp CreateApprovalResponse
	err := c.call(ctx, "create_approval", http.MethodPost, "/approvals", req, createApprovalSchema, &resp)
	return resp, err
}

func (c *Client) ListPendingApprovals(ctx context.Context, workspaceID string) ([]PendingApproval, error) {
	var resp []PendingApproval
	path := "/approvals/pending?" + url.Values{"workspaceId": {workspaceID}}.Encode()
	if err := c.call(ctx, "list_pending_approvals", http.MethodGet, path, nil, pendingListSchema, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetApproval(ctx context.Context, envelopeID string) (ApprovalRecord, error) {
	var resp ApprovalRecord
	err := c.call(ctx, "get_approval", http.MethodGet, "/approvals/"+url.PathEscape(envelopeID), nil, approvalRecordSchema, &resp)
	return resp, err
}

func (c *Client) RecordDecision(ctx context.Context, envelopeID string, d Decision) (DecisionResponse, error) {
	var resp DecisionResponse
	err := c.call(ctx, "record_decision", http.MethodPost, "/approvals/"+url.PathEscape(envelopeID)+"/decision", d, statusSchema, &resp)
	return resp, err
}

func (c *Client) UpsertWorkflowRun(ctx context.Context, run WorkflowRun) (WorkflowRunResponse, error) {
	var resp WorkflowRunResponse
	err := c.call(ctx, "upsert_workflow_run", http.MethodPost, "/workflow-runs", run, workflowRunSchema, &resp)
	return resp, err
}

func (c *Client) CreateNotification(ctx context.Context, n Notification) (NotificationResponse, error) {
	var resp NotificationResponse
	err := c.call(ctx, "create_notification", http.MethodPost, "/notifications", n, notificationSchema, &resp)
	return resp, err
}

// GetNotificationPreferences is served from the preferences cache when
// possible. Cache failures fall through to the network.
func (c *Client) GetNotificationPreferences(ctx context.Context, workspaceID string) (NotificationPreferences, error) {
	key := "prefs:notifications:" + workspaceID
	if c != nil && c.Prefs != nil {
		if raw, err := c.Prefs.Get(ctx, key); err == nil {
			var prefs NotificationPreferences
			if json.Unmarshal([]byte(raw), &prefs) == nil {
				return prefs, nil
			}
		}
	}
	var prefs NotificationPreferences
	path := "/preferences/notifications?" + url.Values{"workspaceId": {workspaceID}}.Encode()
	if err := c.call(ctx, "get_notification_preferences", http.MethodGet, path, nil, preferencesSchema, &prefs); err != nil {
		return NotificationPreferences{}, err
	}
	if c.Prefs != nil {
		ttl := c.PrefsTTL
		if ttl <= 0 {
			ttl = DefaultPrefsTTL
		}
		if raw, err := json.Marshal(prefs); err == nil {
			if err := c.Prefs.Set(ctx, key, string(raw), ttl); err != nil {
				c.logger().Warn("preferences cache set failed", "error", err)
			}
		}
	}
	return prefs, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, req any, schema gojsonschema.JSONLoader, out any) error {
	if !c.Configured() {
		metrics.ControlPlaneCallsTotal.WithLabelValues(op, "not_configured").Inc()
		return ErrNotConfigured
	}
	body, err := c.doRequest(ctx, op, method, path, req)
	if err != nil {
		outcome := "transport_error"
		var se *StatusError
		if errors.As(err, &se) {
			outcome = "http_error"
		}
		metrics.ControlPlaneCallsTotal.WithLabelValues(op, outcome).Inc()
		c.logger().Warn("control plane call failed", "op", op, "error", err)
		return err
	}
	if err := decodeValidated(body, schema, out); err != nil {
		metrics.ControlPlaneCallsTotal.WithLabelValues(op, "invalid_response").Inc()
		c.logger().Warn("control plane response rejected", "op", op, "error", err)
		return err
	}
	metrics.ControlPlaneCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, req any) ([]byte, error) {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 5 * time.Second}
	}
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	rawQuery := ""
	if idx := strings.Index(path, "?"); idx != -1 {
		rawQuery = path[idx+1:]
		path = path[:idx]
	}
	// path arrives escaped; keep RawPath so escaped slashes survive.
	u.RawPath = strings.TrimSuffix(u.EscapedPath(), "/") + path
	if u.Path, err = url.PathUnescape(u.RawPath); err != nil {
		return nil, fmt.Errorf("control plane %s: %w", op, err)
	}
	u.RawQuery = rawQuery
	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if req != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set(headerServiceToken, c.Token)
	resp, err := c.HTTP.Do(request)
	if err != nil {
		return nil, fmt.Errorf("control plane %s: %w", op, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("control plane %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}

func (c *Client) logger() *slog.Logger {
	if c == nil {
		return slog.Default()
	}
	return logging.OrDefault(c.Logger)
}
