package auth

import (
	"errors"
	"fmt"
)

// Grant names for token endpoint calls, used to tell a failed login
// exchange apart from a failed refresh.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

var (
	// ErrMalformedCallback is returned when the callback URL is missing
	// the code or state parameter.
	ErrMalformedCallback = errors.New("missing code or state in callback")

	// ErrStateMismatch is returned when the state echoed by the identity
	// provider does not match the stored one. Treated as a security
	// event, never retried silently.
	ErrStateMismatch = errors.New("state mismatch, possible CSRF")

	// ErrMissingVerifier is returned when the flow store has no code
	// verifier for the callback, e.g. the flow started in another
	// process or the store was cleared. Recoverable by logging in again.
	ErrMissingVerifier = errors.New("missing code verifier")
)

// AuthorizationError reports that the identity provider returned an error
// parameter on the callback instead of an authorization code.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// TokenRequestError is a non-2xx response from the token endpoint. Body
// carries the upstream error body when available.
type TokenRequestError struct {
	Grant      string
	StatusCode int
	Body       string
}

func (e *TokenRequestError) Error() string {
	msg := e.Body
	if msg == "" {
		msg = fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s grant failed: %s", e.Grant, msg)
}

// NetworkError means no response was received at all. Distinguished from
// HTTP-level failures so callers can offer "retry" rather than "log in
// again".
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }
