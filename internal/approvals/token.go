package approvals

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"hearth/internal/canonical"
	"hearth/internal/envelope"
)

const (
	DefaultTokenTTLSeconds = 300
	MaxTokenTTLSeconds     = 3600
)

// Verification failure reasons. Audit logs use them to tell a forged token
// from a slow approver.
const (
	ReasonBadSignature = "bad_signature"
	ReasonExpired      = "expired"
	ReasonMalformed    = "malformed"
)

// timeNow is swapped in tests.
var timeNow = time.Now

type ApprovalTokenPayload struct {
	EnvelopeID  string `json:"envelopeId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	TTLSeconds  int    `json:"ttlSeconds"`
	IssuedAt    string `json:"issuedAt"`
}

// ApprovalToken is a stateless bearer capability: possession of a token that
// verifies under the server secret proves the user approved the envelope.
type ApprovalToken struct {
	ApprovalTokenPayload
	Signature string `json:"signature"`
}

type VerifyResult struct {
	Valid  bool
	Reason string
	Err    error
}

func CreateApprovalToken(envelopeID, workspaceID, userID string, secret []byte, ttlSeconds int) (ApprovalToken, error) {
	if len(secret) == 0 {
		return ApprovalToken{}, errors.New("secret required")
	}
	if ttlSeconds == 0 {
		ttlSeconds = DefaultTokenTTLSeconds
	}
	payload := ApprovalTokenPayload{
		EnvelopeID:  envelopeID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		TTLSeconds:  ttlSeconds,
		IssuedAt:    timeNow().UTC().Format(envelope.TimeLayout),
	}
	if err := checkPayload(payload); err != nil {
		return ApprovalToken{}, err
	}
	sig, err := sign(payload, secret)
	if err != nil {
		return ApprovalToken{}, err
	}
	return ApprovalToken{ApprovalTokenPayload: payload, Signature: hex.EncodeToString(sig)}, nil
}

// VerifyApprovalToken checks the signature first and expiry second. It never
// panics; every failure is reported through the result.
func VerifyApprovalToken(token ApprovalToken, secret []byte) VerifyResult {
	if len(secret) == 0 {
		return VerifyResult{Reason: ReasonMalformed, Err: errors.New("secret required")}
	}
	if err := checkPayload(token.ApprovalTokenPayload); err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: err}
	}
	issued, err := parseIssuedAt(token.IssuedAt)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: err}
	}
	got, err := hex.DecodeString(strings.TrimSpace(token.Signature))
	if err != nil || len(got) != sha256.Size {
		return VerifyResult{Reason: ReasonBadSignature, Err: errors.New("signature mismatch")}
	}
	want, err := sign(token.ApprovalTokenPayload, secret)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformed, Err: err}
	}
	if !hmac.Equal(got, want) {
		return VerifyResult{Reason: ReasonBadSignature, Err: errors.New("signature mismatch")}
	}
	if expired(issued, token.TTLSeconds, timeNow()) {
		return VerifyResult{Reason: ReasonExpired, Err: errors.New("token expired")}
	}
	return VerifyResult{Valid: true}
}

// IsTokenExpired is a display helper. It does not check the signature and must
// not be used to authorize anything.
func IsTokenExpired(token ApprovalToken) bool {
	issued, err := parseIssuedAt(token.IssuedAt)
	if err != nil {
		return true
	}
	return expired(issued, token.TTLSeconds, timeNow())
}

// ExpiresAt reports when the token stops verifying.
func (t ApprovalToken) ExpiresAt() (time.Time, error) {
	issued, err := parseIssuedAt(t.IssuedAt)
	if err != nil {
		return time.Time{}, err
	}
	return issued.Add(time.Duration(t.TTLSeconds) * time.Second), nil
}

func sign(payload ApprovalTokenPayload, secret []byte) ([]byte, error) {
	body, err := canonical.Bytes(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil), nil
}

func checkPayload(p ApprovalTokenPayload) error {
	if strings.TrimSpace(p.EnvelopeID) == "" {
		return errors.New("envelopeId required")
	}
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return errors.New("workspaceId required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("userId required")
	}
	if p.TTLSeconds < 1 || p.TTLSeconds > MaxTokenTTLSeconds {
		return fmt.Errorf("ttlSeconds must be between 1 and %d", MaxTokenTTLSeconds)
	}
	if strings.TrimSpace(p.IssuedAt) == "" {
		return errors.New("issuedAt required")
	}
	return nil
}

func parseIssuedAt(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("issuedAt: %w", err)
	}
	return t, nil
}

func expired(issued time.Time, ttlSeconds int, now time.Time) bool {
	return now.After(issued.Add(time.Duration(ttlSeconds) * time.Second))
}
