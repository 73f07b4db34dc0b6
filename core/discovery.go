package core

import (
	"strings"

	"github.com/go-jose/go-jose/v3"
)

// Discovery assembles the OpenID Connect discovery document from the flow
// configuration and the active key set. Disabled endpoints are omitted.
func (f *Flow) Discovery() map[string]any {
	issuer := strings.TrimSuffix(f.cfg.Issuer, "/")
	doc := map[string]any{
		"issuer": issuer,
		"response_types_supported": []string{
			"code", "token", "id_token",
			"code token", "code id_token", "id_token token",
			"code id_token token",
		},
		"grant_types_supported": []string{
			GrantAuthorizationCode, GrantRefreshToken,
			GrantClientCredentials, GrantPassword,
		},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{f.keys.SigningAlg()},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"code_challenge_methods_supported":      f.challengeMethods(),
	}
	if len(f.cfg.ScopesSupported) > 0 {
		doc["scopes_supported"] = f.cfg.ScopesSupported
	}
	if len(f.cfg.ClaimsSupported) > 0 {
		doc["claims_supported"] = f.cfg.ClaimsSupported
	}

	endpoints := map[string]string{
		"authorization_endpoint": f.cfg.Endpoints.Authorization,
		"token_endpoint":         f.cfg.Endpoints.Token,
		"jwks_uri":               f.cfg.Endpoints.JWKS,
		"introspection_endpoint": f.cfg.Endpoints.Introspection,
		"revocation_endpoint":    f.cfg.Endpoints.Revocation,
		"userinfo_endpoint":      f.cfg.Endpoints.UserInfo,
	}
	for name, path := range endpoints {
		if path == EndpointDisabled {
			continue
		}
		doc[name] = issuer + path
	}
	return doc
}

// JWKS returns the published public key set.
func (f *Flow) JWKS() jose.JSONWebKeySet {
	return f.keys.PublicJWKS()
}

func (f *Flow) challengeMethods() []string {
	if f.cfg.Policy.AllowPlainPKCE {
		return []string{PKCES256, PKCEPlain}
	}
	return []string{PKCES256}
}
