package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token      string
	refreshErr error
	refreshes  atomic.Int32
}

func (f *fakeTokens) RefreshIfNeeded(ctx context.Context) error {
	f.refreshes.Add(1)
	return f.refreshErr
}

func (f *fakeTokens) GetAccessToken(ctx context.Context) (string, error) {
	return f.token, nil
}

func TestTransportAttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: "tok-123"}
	hc := &http.Client{Transport: &Transport{Tokens: tokens}}

	res, err := hc.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, int32(1), tokens.refreshes.Load(), "refresh runs before the request")
}

func TestTransportSkipAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: "tok-123"}
	hc := &http.Client{Transport: &Transport{Tokens: tokens}}

	req, err := http.NewRequestWithContext(SkipAuth(context.Background()), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	res, err := hc.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Empty(t, gotAuth)
	assert.Zero(t, tokens.refreshes.Load(), "no refresh for public requests")
}

func TestTransportProceedsWithoutTokenOnRefreshFailure(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: "stale", refreshErr: errors.New("refresh down")}
	var authErrStatus atomic.Int32
	hc := &http.Client{Transport: &Transport{
		Tokens:      tokens,
		OnAuthError: func(status int) { authErrStatus.Store(int32(status)) },
	}}

	res, err := hc.Get(srv.URL)
	require.NoError(t, err, "refresh failure must not fail the request itself")
	res.Body.Close()

	assert.Empty(t, gotAuth, "no token attached when refresh fails")
	assert.Equal(t, int32(http.StatusUnauthorized), authErrStatus.Load())
}

func TestTransportAuthErrorCallback(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	var calls atomic.Int32
	hc := &http.Client{Transport: &Transport{
		Tokens:      &fakeTokens{},
		OnAuthError: func(int) { calls.Add(1) },
	}}

	res, err := hc.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, int32(1), calls.Load(), "one callback per rejected response")

	status = http.StatusOK
	res, err = hc.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, int32(1), calls.Load(), "no callback on success")
}
