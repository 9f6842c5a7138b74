package apiclient

import (
	"context"
	"log/slog"
	"net/http"
)

var transportLogAttr = slog.String("component", "api-transport")

// TokenProvider supplies bearer tokens for outgoing requests. Satisfied by
// auth.Provider.
type TokenProvider interface {
	RefreshIfNeeded(ctx context.Context) error
	GetAccessToken(ctx context.Context) (string, error)
}

type skipAuthKey struct{}

// SkipAuth marks the request context so the transport sends it without a
// bearer token, for public endpoints.
func SkipAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey{}, true)
}

func skipAuth(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that refreshes the session when it is
// close to expiry and attaches the current bearer token to each request.
// When a response comes back 401 or 403 it invokes OnAuthError, once per
// response, so the application can force a fresh login.
type Transport struct {
	// Tokens supplies the bearer token. Required.
	Tokens TokenProvider

	// Base is the underlying round tripper. http.DefaultTransport when nil.
	Base http.RoundTripper

	// OnAuthError is called with 401 or 403 when the API rejects the
	// request's credentials. Optional. It must not block.
	OnAuthError func(status int)
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if !skipAuth(ctx) {
		// A failed refresh is not fatal here: the request proceeds without
		// a token and the response handling below deals with the 401.
		if err := t.Tokens.RefreshIfNeeded(ctx); err != nil {
			slog.Warn("token refresh before request failed, proceeding without token",
				transportLogAttr, slog.String("err", err.Error()))
		} else if token, err := t.Tokens.GetAccessToken(ctx); err == nil && token != "" {
			req = req.Clone(ctx)
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		if t.OnAuthError != nil {
			t.OnAuthError(res.StatusCode)
		}
	}

	return res, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
