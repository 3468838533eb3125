package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNoCredentials  = errors.New("authorization required")
	ErrBadCredentials = errors.New("invalid authorization")
)

// ParseBearer reads "Authorization: Bearer <token>". The scheme is matched
// case-insensitively.
func ParseBearer(r *http.Request) (string, error) {
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	if hdr == "" {
		return "", ErrNoCredentials
	}
	scheme, token, found := strings.Cut(hdr, " ")
	token = strings.TrimSpace(token)
	if !found || token == "" || !strings.EqualFold(scheme, "bearer") {
		return "", ErrBadCredentials
	}
	return token, nil
}

// TokenFromRequest accepts ?token= when no usable header is present; browsers
// cannot set headers on a WebSocket upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	token, err := ParseBearer(r)
	if err == nil {
		return token, nil
	}
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
		return q, nil
	}
	return "", err
}
