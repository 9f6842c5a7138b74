package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillhq/adminauth/flowstore"
	"github.com/quillhq/adminauth/kctoken"
	"github.com/quillhq/adminauth/session"
)

const testClientID = "admin-console"

// makeAccessToken builds an unsigned JWT carrying the given roles.
func makeAccessToken(t *testing.T, roles ...string) string {
	t.Helper()

	claims := map[string]any{
		"sub":                "user-1",
		"preferred_username": "admin",
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		claims["realm_access"] = map[string]any{"roles": roles}
	}

	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT"})
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}

	enc := base64.RawURLEncoding.EncodeToString

	return enc(header) + "." + enc(body) + "." + enc([]byte("sig"))
}

// tokenEndpointResponse is what the mock identity provider returns.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// mockIdP is a minimal token endpoint. Each request is recorded; handler
// can be swapped per test.
type mockIdP struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []url.Values

	calls  atomic.Int64
	delay  time.Duration
	status int
	body   any
}

func newMockIdP(t *testing.T, resp tokenEndpointResponse) *mockIdP {
	t.Helper()

	m := &mockIdP{body: resp}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)

		if user, _, ok := r.BasicAuth(); !ok || user != testClientID {
			t.Errorf("token request missing Basic client auth, got user %q", user)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			t.Errorf("token request content type = %q", ct)
		}

		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		m.mu.Lock()
		m.requests = append(m.requests, r.PostForm)
		m.mu.Unlock()

		if m.delay > 0 {
			time.Sleep(m.delay)
		}

		if m.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(m.status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "refresh token revoked",
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.body); err != nil {
			t.Error(err)
		}
	}))
	t.Cleanup(m.srv.Close)

	return m
}

func (m *mockIdP) lastRequest() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type testEnv struct {
	provider *KeycloakProvider
	flow     *flowstore.MemStore
	store    *session.MemStore
	idp      *mockIdP
}

func newTestEnv(t *testing.T, idp *mockIdP) *testEnv {
	t.Helper()

	flow := flowstore.NewMemStore()
	store := session.NewMemStore()

	cfg := Config{
		ClientID:              testClientID,
		RedirectURI:           "https://admin.example.com/auth/callback",
		PostLogoutRedirectURI: "https://admin.example.com/",
		Endpoints: Endpoints{
			Authorization: "https://idp.example.com/auth",
			Logout:        "https://idp.example.com/logout",
		},
	}
	if idp != nil {
		cfg.Endpoints.Token = idp.srv.URL
	}

	p := New(cfg, flow, store)
	if idp != nil {
		p.SetHTTPClient(idp.srv.Client())
	}

	return &testEnv{provider: p, flow: flow, store: store, idp: idp}
}

// seedSession installs a current session via the store + Init path.
func (e *testEnv) seedSession(t *testing.T, s *session.Session) {
	t.Helper()
	e.store.Save(s)
	e.provider.Init(context.Background())
	if e.provider.GetSession() == nil {
		t.Fatal("seeding session failed")
	}
}

func liveSession(access string, expiresIn time.Duration) *session.Session {
	return &session.Session{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		IDToken:      "id-1",
		ExpiresAt:    time.Now().Add(expiresIn).UnixMilli(),
		Roles:        []string{"admin"},
	}
}

func TestLoginBuildsAuthorizationURL(t *testing.T) {
	env := newTestEnv(t, nil)

	loginURL, err := env.provider.Login("/users")
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://idp.example.com/auth" {
		t.Errorf("authorization endpoint = %q", got)
	}

	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("client_id") != testClientID {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "https://admin.example.com/auth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "openid profile email" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}

	// The URL must carry the same artifacts that were stored for the
	// callback to validate against.
	if got, want := q.Get("state"), env.flow.State(); want == "" || got != want {
		t.Errorf("state = %q, stored %q", got, want)
	}
	if got, want := q.Get("nonce"), env.flow.Nonce(); want == "" || got != want {
		t.Errorf("nonce = %q, stored %q", got, want)
	}

	verifier := env.flow.CodeVerifier()
	if verifier == "" {
		t.Fatal("no code verifier stored")
	}
	sum := sha256.Sum256([]byte(verifier))
	if got, want := q.Get("code_challenge"), base64.RawURLEncoding.EncodeToString(sum[:]); got != want {
		t.Errorf("code_challenge = %q, want %q", got, want)
	}

	if got := env.flow.ReturnTo(); got != "/users" {
		t.Errorf("stored return path = %q", got)
	}
}

func TestHandleCallbackValidation(t *testing.T) {
	tests := []struct {
		name     string
		callback string
		wantErr  error
		wantDesc string
	}{
		{
			name:     "provider error with description",
			callback: "https://admin.example.com/auth/callback?error=access_denied&error_description=user+cancelled",
			wantDesc: "user cancelled",
		},
		{
			name:     "provider error without description",
			callback: "https://admin.example.com/auth/callback?error=access_denied",
			wantDesc: "access_denied",
		},
		{
			name:     "missing code",
			callback: "https://admin.example.com/auth/callback?state=stored-state",
			wantErr:  ErrMalformedCallback,
		},
		{
			name:     "missing state",
			callback: "https://admin.example.com/auth/callback?code=abc",
			wantErr:  ErrMalformedCallback,
		},
		{
			name:     "state mismatch",
			callback: "https://admin.example.com/auth/callback?code=abc&state=evil-state",
			wantErr:  ErrStateMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.flow.SaveCodeVerifier("verifier")
			env.flow.SaveState("stored-state")
			env.flow.SaveNonce("nonce")
			env.flow.SaveReturnTo("/users")

			err := env.provider.HandleCallback(context.Background(), tt.callback)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else {
				var ae *AuthorizationError
				if !errors.As(err, &ae) {
					t.Fatalf("error = %v, want AuthorizationError", err)
				}
				if ae.Error() != tt.wantDesc {
					t.Errorf("error message = %q, want %q", ae.Error(), tt.wantDesc)
				}
			}

			// Validation failures clear the whole flow, return path
			// included.
			if env.flow.CodeVerifier() != "" || env.flow.State() != "" ||
				env.flow.Nonce() != "" || env.flow.ReturnTo() != "" {
				t.Error("flow artifacts left behind after failed callback")
			}
		})
	}
}

func TestHandleCallbackMissingVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	env.flow.SaveState("stored-state")

	err := env.provider.HandleCallback(context.Background(),
		"https://admin.example.com/auth/callback?code=abc&state=stored-state")
	if !errors.Is(err, ErrMissingVerifier) {
		t.Fatalf("error = %v, want ErrMissingVerifier", err)
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	access := makeAccessToken(t, "admin", "manager")
	idp := newMockIdP(t, tokenEndpointResponse{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		IDToken:      "id-1",
		ExpiresIn:    300,
		TokenType:    "Bearer",
	})

	env := newTestEnv(t, idp)

	loginURL, err := env.provider.Login("/users")
	if err != nil {
		t.Fatal(err)
	}
	state := mustQueryParam(t, loginURL, "state")
	verifier := env.flow.CodeVerifier()

	err = env.provider.HandleCallback(context.Background(),
		"https://admin.example.com/auth/callback?code=auth-code-1&state="+url.QueryEscape(state))
	if err != nil {
		t.Fatal(err)
	}

	if got := idp.calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
	form := idp.lastRequest()
	if form.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("code") != "auth-code-1" {
		t.Errorf("code = %q", form.Get("code"))
	}
	if form.Get("code_verifier") != verifier {
		t.Errorf("code_verifier = %q, want stored verifier", form.Get("code_verifier"))
	}
	if form.Get("redirect_uri") != "https://admin.example.com/auth/callback" {
		t.Errorf("redirect_uri = %q", form.Get("redirect_uri"))
	}

	if !env.provider.IsAuthenticated() {
		t.Error("not authenticated after successful callback")
	}
	if !env.provider.HasRole("admin") {
		t.Error("decoded admin role not visible")
	}
	if env.provider.HasRole("auditor") {
		t.Error("HasRole reports a role the token does not carry")
	}

	sess := env.provider.GetSession()
	if sess == nil || sess.RefreshToken != "refresh-1" || sess.IDToken != "id-1" {
		t.Errorf("session = %+v", sess)
	}

	// Persisted copy matches.
	if stored := env.store.Get(); stored == nil || stored.AccessToken != access {
		t.Error("session was not written through to the store")
	}

	// Verifier, state and nonce are consumed; the return path survives.
	if env.flow.CodeVerifier() != "" || env.flow.State() != "" || env.flow.Nonce() != "" {
		t.Error("PKCE artifacts not cleared after successful exchange")
	}
	if got := env.flow.ReturnTo(); got != "/users" {
		t.Errorf("return path = %q, want /users", got)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	idp := newMockIdP(t, tokenEndpointResponse{})
	idp.status = http.StatusBadRequest

	env := newTestEnv(t, idp)
	if _, err := env.provider.Login(""); err != nil {
		t.Fatal(err)
	}
	state := env.flow.State()

	err := env.provider.HandleCallback(context.Background(),
		"https://admin.example.com/auth/callback?code=bad-code&state="+url.QueryEscape(state))

	var tre *TokenRequestError
	if !errors.As(err, &tre) {
		t.Fatalf("error = %v, want TokenRequestError", err)
	}
	if tre.Grant != GrantAuthorizationCode {
		t.Errorf("grant = %q", tre.Grant)
	}
	if tre.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", tre.StatusCode)
	}
	if !strings.Contains(tre.Body, "invalid_grant") {
		t.Errorf("body = %q, want upstream error body", tre.Body)
	}

	if env.provider.IsAuthenticated() {
		t.Error("authenticated after failed exchange")
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	access := makeAccessToken(t, "admin")
	idp := newMockIdP(t, tokenEndpointResponse{
		AccessToken:  access,
		RefreshToken: "refresh-2",
		ExpiresIn:    600,
		TokenType:    "Bearer",
	})
	idp.delay = 50 * time.Millisecond

	env := newTestEnv(t, idp)
	env.seedSession(t, liveSession(access, 2*time.Minute)) // expiring soon, not expired

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.provider.RefreshIfNeeded(context.Background())
		}()
	}
	wg.Wait()

	if got := idp.calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times for %d concurrent refreshes, want 1", got, callers)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}

	form := idp.lastRequest()
	if form.Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("refresh_token") != "refresh-1" {
		t.Errorf("refresh_token = %q", form.Get("refresh_token"))
	}

	sess := env.provider.GetSession()
	if sess == nil || sess.RefreshToken != "refresh-2" {
		t.Errorf("session after refresh = %+v", sess)
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	idp := newMockIdP(t, tokenEndpointResponse{})
	idp.status = http.StatusBadRequest

	env := newTestEnv(t, idp)
	env.seedSession(t, liveSession(makeAccessToken(t, "admin"), 2*time.Minute))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.provider.RefreshIfNeeded(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		var tre *TokenRequestError
		if !errors.As(err, &tre) || tre.Grant != GrantRefreshToken {
			t.Errorf("caller %d: error = %v, want refresh TokenRequestError", i, err)
		}
	}

	if env.provider.GetSession() != nil {
		t.Error("session survived a failed refresh")
	}
	if env.store.Get() != nil {
		t.Error("persisted session survived a failed refresh")
	}
}

func TestRefreshNoops(t *testing.T) {
	env := newTestEnv(t, nil)

	// No session at all.
	if err := env.provider.RefreshIfNeeded(context.Background()); err != nil {
		t.Errorf("refresh with no session: %v", err)
	}

	// Plenty of lifetime left: no network call is made (the provider has
	// no reachable token endpoint here, so any attempt would fail).
	env.seedSession(t, liveSession(makeAccessToken(t), time.Hour))
	if err := env.provider.RefreshIfNeeded(context.Background()); err != nil {
		t.Errorf("refresh with fresh session: %v", err)
	}

	// No refresh token.
	fresh := liveSession(makeAccessToken(t), 2*time.Minute)
	fresh.RefreshToken = ""
	env.store.Save(fresh)
	env.provider.Init(context.Background())
	if err := env.provider.RefreshIfNeeded(context.Background()); err != nil {
		t.Errorf("refresh without refresh token: %v", err)
	}
}

func TestRefreshMergesForwardOmittedTokens(t *testing.T) {
	access := makeAccessToken(t, "admin")
	// Refresh response with no refresh_token and no id_token.
	idp := newMockIdP(t, tokenEndpointResponse{
		AccessToken: access,
		ExpiresIn:   600,
		TokenType:   "Bearer",
	})

	env := newTestEnv(t, idp)
	env.seedSession(t, liveSession(access, 2*time.Minute))

	if err := env.provider.RefreshIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}

	sess := env.provider.GetSession()
	if sess == nil {
		t.Fatal("no session after refresh")
	}
	if sess.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want carried-forward refresh-1", sess.RefreshToken)
	}
	if sess.IDToken != "id-1" {
		t.Errorf("id token = %q, want carried-forward id-1", sess.IDToken)
	}
}

func TestGetAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)

	tok, err := env.provider.GetAccessToken(context.Background())
	if err != nil || tok != "" {
		t.Errorf("unauthenticated GetAccessToken = (%q, %v)", tok, err)
	}

	access := makeAccessToken(t, "admin")
	env.seedSession(t, liveSession(access, time.Hour))

	tok, err = env.provider.GetAccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != access {
		t.Errorf("GetAccessToken = %q, want current access token", tok)
	}
}

func TestInit(t *testing.T) {
	t.Run("no stored session", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.provider.Init(context.Background())
		if env.provider.IsAuthenticated() {
			t.Error("authenticated with empty store")
		}
	})

	t.Run("stored live session adopted", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.Save(liveSession(makeAccessToken(t, "admin"), time.Hour))
		env.provider.Init(context.Background())
		if !env.provider.IsAuthenticated() {
			t.Error("live stored session not adopted")
		}
	})

	t.Run("expired without refresh token cleared", func(t *testing.T) {
		env := newTestEnv(t, nil)
		s := liveSession(makeAccessToken(t), -time.Minute)
		s.RefreshToken = ""
		env.store.Save(s)
		env.provider.Init(context.Background())
		if env.provider.IsAuthenticated() {
			t.Error("expired session considered authenticated")
		}
		if env.store.Get() != nil {
			t.Error("expired session left in store")
		}
	})

	t.Run("expired with refresh token refreshed", func(t *testing.T) {
		access := makeAccessToken(t, "admin")
		idp := newMockIdP(t, tokenEndpointResponse{
			AccessToken:  access,
			RefreshToken: "refresh-2",
			ExpiresIn:    600,
			TokenType:    "Bearer",
		})
		env := newTestEnv(t, idp)
		env.store.Save(liveSession(access, -time.Minute))

		env.provider.Init(context.Background())

		if !env.provider.IsAuthenticated() {
			t.Error("refreshable expired session not restored")
		}
		if got := idp.calls.Load(); got != 1 {
			t.Errorf("token endpoint called %d times, want 1", got)
		}
	})

	t.Run("expired with failing refresh degrades", func(t *testing.T) {
		idp := newMockIdP(t, tokenEndpointResponse{})
		idp.status = http.StatusBadRequest
		env := newTestEnv(t, idp)
		env.store.Save(liveSession(makeAccessToken(t), -time.Minute))

		env.provider.Init(context.Background())

		if env.provider.IsAuthenticated() {
			t.Error("authenticated after failed restore")
		}
		if env.store.Get() != nil {
			t.Error("unusable session left in store")
		}
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedSession(t, liveSession(makeAccessToken(t, "admin"), time.Hour))
	env.flow.SaveReturnTo("/users")

	logoutURL, err := env.provider.Logout()
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(logoutURL)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://idp.example.com/logout" {
		t.Errorf("logout endpoint = %q", got)
	}
	q := u.Query()
	if q.Get("post_logout_redirect_uri") != "https://admin.example.com/" {
		t.Errorf("post_logout_redirect_uri = %q", q.Get("post_logout_redirect_uri"))
	}
	if q.Get("id_token_hint") != "id-1" {
		t.Errorf("id_token_hint = %q", q.Get("id_token_hint"))
	}

	if env.provider.GetSession() != nil || env.store.Get() != nil {
		t.Error("session survived logout")
	}
	if env.flow.ReturnTo() != "" {
		t.Error("flow store not fully cleared on logout")
	}
}

func TestLogoutWithoutIDToken(t *testing.T) {
	env := newTestEnv(t, nil)

	logoutURL, err := env.provider.Logout()
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(logoutURL)
	if err != nil {
		t.Fatal(err)
	}
	if _, present := u.Query()["id_token_hint"]; present {
		t.Error("id_token_hint present without an ID token")
	}
}

func TestInvalidTokenInResponseClearsSession(t *testing.T) {
	idp := newMockIdP(t, tokenEndpointResponse{
		AccessToken: "not-a-jwt",
		ExpiresIn:   600,
		TokenType:   "Bearer",
	})

	env := newTestEnv(t, idp)
	env.seedSession(t, liveSession(makeAccessToken(t, "admin"), 2*time.Minute))

	err := env.provider.RefreshIfNeeded(context.Background())
	if !errors.Is(err, kctoken.ErrInvalidTokenFormat) {
		t.Fatalf("error = %v, want ErrInvalidTokenFormat", err)
	}
	if env.provider.GetSession() != nil {
		t.Error("session survived an undecodable token response")
	}
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	v := u.Query().Get(key)
	if v == "" {
		t.Fatalf("url %q has no %s parameter", rawURL, key)
	}
	return v
}
