package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quillhq/adminauth/flowstore"
	"github.com/quillhq/adminauth/kctoken"
	"github.com/quillhq/adminauth/pkce"
	"github.com/quillhq/adminauth/session"
)

// DefaultScopes are requested on every login.
var DefaultScopes = []string{"openid", "profile", "email"}

var authLogAttr = slog.String("component", "auth-provider")

// Config carries the client registration and endpoints for a
// KeycloakProvider.
type Config struct {
	// ClientID of the public client. Token calls authenticate with an
	// HTTP Basic header carrying the client ID and an empty secret,
	// which some Keycloak versions require for public clients.
	ClientID string

	RedirectURI           string
	PostLogoutRedirectURI string

	Endpoints Endpoints

	// Scopes overrides DefaultScopes when non-empty.
	Scopes []string
}

// KeycloakProvider implements Provider against a Keycloak realm. Construct
// it once per process; it owns the current session and the in-flight
// refresh for its lifetime.
type KeycloakProvider struct {
	cfg        Config
	flow       flowstore.Store
	store      session.Store
	httpClient *http.Client

	mu      sync.RWMutex
	current *session.Session

	refreshGroup singleflight.Group
}

var _ Provider = (*KeycloakProvider)(nil)

// New builds a KeycloakProvider. flow and store must not be shared with
// another provider instance.
func New(cfg Config, flow flowstore.Store, store session.Store) *KeycloakProvider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	return &KeycloakProvider{
		cfg:   cfg,
		flow:  flow,
		store: store,
	}
}

// SetHTTPClient sets the client used for token endpoint calls. Defaults to
// http.DefaultClient.
func (p *KeycloakProvider) SetHTTPClient(hc *http.Client) { p.httpClient = hc }

func (p *KeycloakProvider) Init(ctx context.Context) {
	stored := p.store.Get()
	if stored == nil {
		return
	}

	if !session.IsExpired(stored) {
		p.mu.Lock()
		p.current = stored
		p.mu.Unlock()
		return
	}

	if stored.RefreshToken == "" {
		p.clearSession()
		return
	}

	// Expired with a refresh token: adopt it so the refresh path can see
	// it, then try to bring it back to life.
	p.mu.Lock()
	p.current = stored
	p.mu.Unlock()

	if err := p.RefreshIfNeeded(ctx); err != nil {
		slog.Info("restoring persisted session failed, starting unauthenticated",
			authLogAttr, slog.String("err", err.Error()))
		p.clearSession()
	}
}

func (p *KeycloakProvider) Login(returnTo string) (string, error) {
	challenge := pkce.New()
	state := pkce.NewState()
	nonce := pkce.NewNonce()

	p.flow.SaveCodeVerifier(challenge.Verifier)
	p.flow.SaveState(state)
	p.flow.SaveNonce(nonce)
	if returnTo != "" {
		p.flow.SaveReturnTo(returnTo)
	}

	u := p.oauth2Config().AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", challenge.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", challenge.Method),
	)

	return u, nil
}

func (p *KeycloakProvider) HandleCallback(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		p.flow.ClearAll()
		return ErrMalformedCallback
	}
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		p.flow.ClearAll()
		return &AuthorizationError{Code: errCode, Description: q.Get("error_description")}
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		p.flow.ClearAll()
		return ErrMalformedCallback
	}

	if stored := p.flow.State(); stored == "" || state != stored {
		p.flow.ClearAll()
		return ErrStateMismatch
	}

	verifier := p.flow.CodeVerifier()
	if verifier == "" {
		p.flow.ClearAll()
		return ErrMissingVerifier
	}

	tok, err := p.oauth2Config().Exchange(p.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		p.clearFlowArtifacts()
		return mapTokenError(GrantAuthorizationCode, err)
	}

	if err := p.persistSession(tok); err != nil {
		p.clearFlowArtifacts()
		p.clearSession()
		return err
	}

	// The return path deliberately survives so the post-redirect page can
	// pick it up.
	p.clearFlowArtifacts()

	return nil
}

func (p *KeycloakProvider) Logout() (string, error) {
	p.mu.RLock()
	var idToken string
	if p.current != nil {
		idToken = p.current.IDToken
	}
	p.mu.RUnlock()

	p.clearSession()
	p.flow.ClearAll()

	v := url.Values{}
	v.Set("post_logout_redirect_uri", p.cfg.PostLogoutRedirectURI)
	if idToken != "" {
		v.Set("id_token_hint", idToken)
	}

	return p.cfg.Endpoints.Logout + "?" + v.Encode(), nil
}

func (p *KeycloakProvider) GetSession() *session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *KeycloakProvider) GetAccessToken(ctx context.Context) (string, error) {
	if err := p.RefreshIfNeeded(ctx); err != nil {
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return "", nil
	}
	return p.current.AccessToken, nil
}

func (p *KeycloakProvider) RefreshIfNeeded(ctx context.Context) error {
	p.mu.RLock()
	cur := p.current
	p.mu.RUnlock()

	if cur == nil || cur.RefreshToken == "" {
		return nil
	}
	if !session.IsExpiringSoon(cur, 0) {
		return nil
	}

	// All concurrent callers share the one in-flight exchange and its
	// outcome. The slot is released when the call settles, so a later
	// caller with a still-stale session starts a fresh exchange.
	_, err, _ := p.refreshGroup.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})

	return err
}

// refresh runs inside the single-flight slot. It re-checks the session
// because a coalesced caller may arrive just after a refresh completed.
func (p *KeycloakProvider) refresh(ctx context.Context) error {
	p.mu.RLock()
	cur := p.current
	p.mu.RUnlock()

	if cur == nil || cur.RefreshToken == "" || !session.IsExpiringSoon(cur, 0) {
		return nil
	}

	src := p.oauth2Config().TokenSource(p.httpContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		p.clearSession()
		return mapTokenError(GrantRefreshToken, err)
	}

	if err := p.persistSession(tok); err != nil {
		p.clearSession()
		return err
	}

	return nil
}

func (p *KeycloakProvider) IsAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current != nil && !session.IsExpired(p.current)
}

func (p *KeycloakProvider) HasRole(role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return false
	}
	for _, r := range p.current.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// persistSession normalizes the token response, carries forward a refresh
// or ID token the response omitted, and writes through to the store. A
// response that omits one never erases a previously known value.
func (p *KeycloakProvider) persistSession(tok *oauth2.Token) error {
	sess, err := kctoken.BuildSession(tok, p.cfg.ClientID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if cur := p.current; cur != nil {
		if sess.RefreshToken == "" {
			sess.RefreshToken = cur.RefreshToken
		}
		if sess.IDToken == "" {
			sess.IDToken = cur.IDToken
		}
	}
	p.current = sess
	p.mu.Unlock()

	p.store.Save(sess)

	return nil
}

func (p *KeycloakProvider) clearSession() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.store.Clear()
}

// clearFlowArtifacts removes the verifier/state/nonce after the flow
// consumed them, leaving the return path in place.
func (p *KeycloakProvider) clearFlowArtifacts() {
	p.flow.ClearCodeVerifier()
	p.flow.ClearState()
	p.flow.ClearNonce()
}

func (p *KeycloakProvider) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.cfg.ClientID,
		RedirectURL: p.cfg.RedirectURI,
		Scopes:      p.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.Endpoints.Authorization,
			TokenURL: p.cfg.Endpoints.Token,
			// Basic header with the client ID and empty secret.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (p *KeycloakProvider) httpContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// mapTokenError translates oauth2 failures into the local taxonomy: an
// HTTP-level response becomes a TokenRequestError carrying the upstream
// body, anything else means no response arrived at all.
func mapTokenError(grant string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &TokenRequestError{Grant: grant, StatusCode: status, Body: string(re.Body)}
	}

	return &NetworkError{Err: err}
}
