// Package envelope builds and verifies ActionEnvelopes, the sealed records of
// proposed side-effecting actions that wait for human approval.
package envelope

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"hearth/internal/canonical"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

const (
	MaxIntentLen       = 1000
	MaxToolNameLen     = 100
	MaxRollbackPlanLen = 2000
)

// TimeLayout is the ISO-8601 layout used for every timestamp on the wire.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrIntegrity is returned when an envelope's auditHash does not match its
// content. Callers must not act on such an envelope.
var ErrIntegrity = errors.New("envelope integrity check failed")

type ActionEnvelope struct {
	EnvelopeID      string         `json:"envelopeId"`
	WorkspaceID     string         `json:"workspaceId"`
	Intent          string         `json:"intent"`
	ToolName        string         `json:"toolName"`
	Inputs          map[string]any `json:"inputs"`
	ExpectedOutputs any            `json:"expectedOutputs"`
	RiskLevel       RiskLevel      `json:"riskLevel"`
	PIIFields       []string       `json:"piiFields"`
	RollbackPlan    string         `json:"rollbackPlan"`
	AuditHash       string         `json:"auditHash"`
	CreatedAt       string         `json:"createdAt"`
}

type CreateInput struct {
	WorkspaceID     string
	Intent          string
	ToolName        string
	Inputs          map[string]any
	ExpectedOutputs any
	RiskLevel       RiskLevel
	PIIFields       []string
	RollbackPlan    string
}

// sealed is the fixed field set covered by auditHash. Identity and timestamp
// stay out so the hash is a pure function of content.
type sealed struct {
	WorkspaceID     string         `json:"workspaceId"`
	Intent          string         `json:"intent"`
	ToolName        string         `json:"toolName"`
	Inputs          map[string]any `json:"inputs"`
	ExpectedOutputs any            `json:"expectedOutputs"`
	RiskLevel       RiskLevel      `json:"riskLevel"`
	PIIFields       []string       `json:"piiFields"`
	RollbackPlan    string         `json:"rollbackPlan"`
}

var newID = uuid.NewString
var timeNow = time.Now

// Create validates in and returns a sealed envelope with a fresh id.
func Create(in CreateInput) (ActionEnvelope, error) {
	if err := validateInput(in); err != nil {
		return ActionEnvelope{}, err
	}
	pii := in.PIIFields
	if pii == nil {
		pii = []string{}
	}
	env := ActionEnvelope{
		EnvelopeID:      newID(),
		WorkspaceID:     in.WorkspaceID,
		Intent:          in.Intent,
		ToolName:        in.ToolName,
		Inputs:          in.Inputs,
		ExpectedOutputs: in.ExpectedOutputs,
		RiskLevel:       in.RiskLevel,
		PIIFields:       pii,
		RollbackPlan:    in.RollbackPlan,
		CreatedAt:       timeNow().UTC().Format(TimeLayout),
	}
	hash, err := ComputeHash(env)
	if err != nil {
		return ActionEnvelope{}, err
	}
	env.AuditHash = hash
	return env, nil
}

// ComputeHash returns the hex SHA-256 of the canonical semantic fields.
func ComputeHash(env ActionEnvelope) (string, error) {
	pii := env.PIIFields
	if pii == nil {
		pii = []string{}
	}
	return canonical.Hash(sealed{
		WorkspaceID:     env.WorkspaceID,
		Intent:          env.Intent,
		ToolName:        env.ToolName,
		Inputs:          env.Inputs,
		ExpectedOutputs: env.ExpectedOutputs,
		RiskLevel:       env.RiskLevel,
		PIIFields:       pii,
		RollbackPlan:    env.RollbackPlan,
	})
}

// VerifyHash reports whether env.AuditHash matches its content.
func VerifyHash(env ActionEnvelope) bool {
	if env.AuditHash == "" {
		return false
	}
	want, err := ComputeHash(env)
	if err != nil {
		return false
	}
	got := strings.ToLower(env.AuditHash)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// RedactedInputs returns a copy of Inputs with every PII field masked, for
// logs and notification bodies.
func (e ActionEnvelope) RedactedInputs() map[string]any {
	out := make(map[string]any, len(e.Inputs))
	for k, v := range e.Inputs {
		out[k] = v
	}
	for _, field := range e.PIIFields {
		if _, ok := out[field]; ok {
			out[field] = "[redacted]"
		}
	}
	return out
}

func validateInput(in CreateInput) error {
	if strings.TrimSpace(in.WorkspaceID) == "" {
		return errors.New("workspaceId required")
	}
	if _, err := uuid.Parse(in.WorkspaceID); err != nil {
		return fmt.Errorf("workspaceId must be a uuid: %w", err)
	}
	if err := checkLen("intent", in.Intent, 1, MaxIntentLen); err != nil {
		return err
	}
	if err := checkLen("toolName", in.ToolName, 1, MaxToolNameLen); err != nil {
		return err
	}
	if in.Inputs == nil {
		return errors.New("inputs required")
	}
	switch in.ExpectedOutputs.(type) {
	case string, map[string]any:
	case nil:
		return errors.New("expectedOutputs required")
	default:
		return errors.New("expectedOutputs must be an object or string")
	}
	if !ValidRiskLevel(in.RiskLevel) {
		return fmt.Errorf("riskLevel %q invalid", in.RiskLevel)
	}
	if utf8.RuneCountInString(in.RollbackPlan) > MaxRollbackPlanLen {
		return fmt.Errorf("rollbackPlan exceeds %d chars", MaxRollbackPlanLen)
	}
	return nil
}

func checkLen(name, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s required", name)
	}
	if n > max {
		return fmt.Errorf("%s exceeds %d chars", name, max)
	}
	return nil
}

func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}
