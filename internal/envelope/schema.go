package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const envelopeSchema = `{
  "type": "object",
  "required": ["envelopeId", "workspaceId", "intent", "toolName", "inputs", "expectedOutputs", "riskLevel", "auditHash", "createdAt"],
  "properties": {
    "envelopeId": {"type": "string", "minLength": 1},
    "workspaceId": {"type": "string", "minLength": 1},
    "intent": {"type": "string", "minLength": 1, "maxLength": 1000},
    "toolName": {"type": "string", "minLength": 1, "maxLength": 100},
    "inputs": {"type": "object"},
    "expectedOutputs": {"type": ["object", "string"]},
    "riskLevel": {"enum": ["low", "medium", "high"]},
    "piiFields": {"type": "array", "items": {"type": "string"}},
    "rollbackPlan": {"type": "string", "maxLength": 2000},
    "auditHash": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "createdAt": {"type": "string"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// Validate validates raw against the envelope schema, unmarshals it and checks
// the audit hash. Any failure means the envelope must not be acted on.
func Validate(raw []byte) (ActionEnvelope, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return ActionEnvelope{}, fmt.Errorf("envelope: %w", err)
	}
	if !result.Valid() {
		if len(result.Errors()) == 0 {
			return ActionEnvelope{}, errors.New("envelope: schema validation failed")
		}
		return ActionEnvelope{}, fmt.Errorf("envelope: schema validation failed: %s", result.Errors()[0].String())
	}
	var env ActionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ActionEnvelope{}, fmt.Errorf("envelope: %w", err)
	}
	if !VerifyHash(env) {
		return ActionEnvelope{}, ErrIntegrity
	}
	return env, nil
}
