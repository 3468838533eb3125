package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.temporal.io/sdk/temporal"
)

const maxSkillResponse = 1 << 20

// SkillClient hands an approved action to an external skill handler over
// HTTP. 4xx responses are final; everything else is retried by the workflow.
type SkillClient struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

type skillResponse struct {
	Output map[string]any `json:"output"`
}

func (c *SkillClient) Execute(ctx context.Context, in ExecuteActionInput) (map[string]any, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return nil, temporal.NewNonRetryableApplicationError("skill endpoint required", ErrKindUnknownTool, nil)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.Envelope.EnvelopeID)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSkillResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("skill rejected action: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
			ErrKindSkillRejected, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("skill status %d", resp.StatusCode)
	}
	var out skillResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode skill response: %w", err)
		}
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out.Output, nil
}
