// Package canonical produces the deterministic JSON form that every hash and
// signature in hearth is computed over. Object keys are sorted, array order
// is kept, nil renders as null and numbers use ECMAScript formatting
// (RFC 8785), so a verifier in any language reproduces the same bytes.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

var marshal = json.Marshal

// Bytes returns the canonical JSON encoding of v.
func Bytes(v any) ([]byte, error) {
	raw, err := marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	// jcs only accepts an object or array at the top level; wrapping keeps
	// scalars (including null) on the same code path.
	wrapped := make([]byte, 0, len(raw)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, ']')
	out, err := jcs.Transform(wrapped)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("canonical: transform produced %q", out)
	}
	return out[1 : len(out)-1], nil
}

// Canonicalize returns the canonical JSON encoding of v as a string.
func Canonicalize(v any) (string, error) {
	out, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Hash returns the hex SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	out, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}
