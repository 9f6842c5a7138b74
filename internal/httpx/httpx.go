// Package httpx holds small HTTP plumbing shared across packages.
package httpx

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// ClientFromContext returns the *http.Client to use for a call. It first
// checks the context for the oauth2.HTTPClient override, then the explicit
// client if not nil, then falls back to the default client. The context
// override keeps tests and the oauth2 token calls on the same client.
func ClientFromContext(ctx context.Context, explicit *http.Client) *http.Client {
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		return hc
	}
	if explicit != nil {
		return explicit
	}
	return http.DefaultClient
}
