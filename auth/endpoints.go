package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quillhq/adminauth/internal/httpx"
)

// Endpoints are the three identity-provider URLs the provider needs.
// Authorization and Logout are navigated to by the operator's browser;
// Token is called directly.
type Endpoints struct {
	Authorization string
	Token         string
	Logout        string
}

// KeycloakIssuer returns the issuer URL for a realm on a Keycloak server.
func KeycloakIssuer(baseURL, realm string) string {
	return baseURL + "/realms/" + realm
}

// KeycloakEndpoints derives the realm endpoints from the Keycloak base URL
// without a discovery round-trip. tokenBaseURL is the base used for direct
// token calls; it normally equals baseURL but can point at a local proxy in
// development setups where the identity provider is not directly reachable.
// Browser-facing URLs (authorization, logout) always use baseURL so the
// provider's login pages load from their real origin.
func KeycloakEndpoints(baseURL, tokenBaseURL, realm string) Endpoints {
	if tokenBaseURL == "" {
		tokenBaseURL = baseURL
	}

	return Endpoints{
		Authorization: KeycloakIssuer(baseURL, realm) + "/protocol/openid-connect/auth",
		Token:         KeycloakIssuer(tokenBaseURL, realm) + "/protocol/openid-connect/token",
		Logout:        KeycloakIssuer(baseURL, realm) + "/protocol/openid-connect/logout",
	}
}

type discoveryMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// DiscoverEndpoints fetches the issuer's OIDC discovery document and
// returns the endpoints it advertises.
func DiscoverEndpoints(ctx context.Context, issuer string) (Endpoints, error) {
	cfgURL := issuer + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfgURL, nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("creating request for %s: %w", cfgURL, err)
	}
	res, err := httpx.ClientFromContext(ctx, nil).Do(req)
	if err != nil {
		return Endpoints{}, fmt.Errorf("fetching %s: %w", cfgURL, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return Endpoints{}, fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, cfgURL, res.StatusCode)
	}

	var md discoveryMetadata
	if err := json.NewDecoder(res.Body).Decode(&md); err != nil {
		return Endpoints{}, fmt.Errorf("decoding discovery metadata: %w", err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return Endpoints{}, fmt.Errorf("discovery metadata from %s is missing endpoints", cfgURL)
	}

	return Endpoints{
		Authorization: md.AuthorizationEndpoint,
		Token:         md.TokenEndpoint,
		Logout:        md.EndSessionEndpoint,
	}, nil
}
