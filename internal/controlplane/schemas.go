package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidResponse wraps control-plane payloads that fail schema checks.
var ErrInvalidResponse = errors.New("control plane: invalid response")

var (
	createApprovalSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["envelopeId", "status"],
  "properties": {
    "envelopeId": {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "expiresAt": {"type": ["string", "null"]}
  }
}`)

	pendingListSchema = gojsonschema.NewStringLoader(`{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["envelopeId", "intent", "toolName", "riskLevel"],
    "properties": {
      "envelopeId": {"type": "string", "minLength": 1},
      "taskId": {"type": ["string", "null"]},
      "workflowId": {"type": ["string", "null"]},
      "intent": {"type": "string"},
      "toolName": {"type": "string"},
      "riskLevel": {"enum": ["low", "medium", "high"]},
      "requestedAt": {"type": ["string", "null"]},
      "expiresAt": {"type": ["string", "null"]},
      "signalName": {"type": ["string", "null"]}
    }
  }
}`)

	approvalRecordSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["envelopeId", "workspaceId", "intent", "toolName", "inputs", "riskLevel", "auditHash", "status"],
  "properties": {
    "envelopeId": {"type": "string", "minLength": 1},
    "workspaceId": {"type": "string", "minLength": 1},
    "inputs": {"type": "object"},
    "expectedOutputs": {"type": ["object", "string"]},
    "riskLevel": {"enum": ["low", "medium", "high"]},
    "piiFields": {"type": ["array", "null"], "items": {"type": "string"}},
    "auditHash": {"type": "string"},
    "status": {"enum": ["pending", "approved", "denied", "expired"]}
  }
}`)

	statusSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["status"],
  "properties": {"status": {"type": "string", "minLength": 1}}
}`)

	workflowRunSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["workflowId", "status"],
  "properties": {
    "workflowId": {"type": "string", "minLength": 1},
    "status": {"type": "string"}
  }
}`)

	notificationSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["id", "status"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "status": {"type": "string"}
  }
}`)

	preferencesSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["quietHoursEnabled"],
  "properties": {
    "quietHoursEnabled": {"type": "boolean"},
    "quietHoursStart": {"type": ["string", "null"], "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
    "quietHoursEnd": {"type": ["string", "null"], "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
    "timezone": {"type": ["string", "null"]}
  }
}`)
)

func decodeValidated(body []byte, schema gojsonschema.JSONLoader, out any) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
