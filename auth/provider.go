// Package auth implements the OAuth2 Authorization Code + PKCE login flow
// against an OpenID Connect identity provider, and owns the resulting
// session: persistence, expiry-driven refresh with request coalescing, and
// the role checks the rest of the application gates on.
package auth

import (
	"context"

	"github.com/quillhq/adminauth/session"
)

// Provider is the auth lifecycle contract. It exists so an alternate
// identity-provider backend (or a test double) can be substituted without
// touching callers.
//
// Implementations own the single current session for the process; no other
// component writes it.
type Provider interface {
	// Init restores a persisted session if one exists and is usable,
	// refreshing an expired one when a refresh token is available. It
	// never fails: every problem degrades to the unauthenticated state.
	Init(ctx context.Context)

	// Login begins a fresh authorization flow and returns the
	// authorization URL the operator's browser must be sent to. returnTo
	// is remembered across the round-trip when non-empty.
	Login(returnTo string) (string, error)

	// HandleCallback consumes the redirect back from the identity
	// provider: it validates the anti-replay state, exchanges the code
	// for tokens and persists the resulting session.
	HandleCallback(ctx context.Context, callbackURL string) error

	// Logout clears all local state and returns the provider's logout
	// URL to navigate to.
	Logout() (string, error)

	// GetSession returns the in-memory current session, which is
	// authoritative while the provider is live.
	GetSession() *session.Session

	// GetAccessToken refreshes the session if needed and returns the
	// current bearer token, or the empty string when unauthenticated.
	GetAccessToken(ctx context.Context) (string, error)

	// RefreshIfNeeded refreshes the session when it is expiring soon.
	// Concurrent calls coalesce onto a single token exchange.
	RefreshIfNeeded(ctx context.Context) error

	IsAuthenticated() bool
	HasRole(role string) bool
}
