package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net"
	"sort"
	"strings"
)

// Supported grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// PKCE code challenge methods.
const (
	PKCEPlain = "plain"
	PKCES256  = "S256"
)

// responseTypes is the fixed allowed set, keyed by the space-joined sorted
// form so ordering in the request does not matter.
var responseTypes = map[string]struct{}{
	"code":                {},
	"token":               {},
	"id_token":            {},
	"code token":          {},
	"code id_token":       {},
	"id_token token":      {},
	"code id_token token": {},
}

// AuthorizationRequest is a validated authorization endpoint request.
type AuthorizationRequest struct {
	Client              *Client
	RedirectURI         string
	ResponseTypes       []string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Audience            string
}

// WantsCode reports whether the response includes an authorization code.
func (r *AuthorizationRequest) WantsCode() bool { return r.hasResponseType("code") }

// WantsToken reports whether the response includes an access token.
func (r *AuthorizationRequest) WantsToken() bool { return r.hasResponseType("token") }

// WantsIDToken reports whether the response includes an identity token.
func (r *AuthorizationRequest) WantsIDToken() bool { return r.hasResponseType("id_token") }

func (r *AuthorizationRequest) hasResponseType(rt string) bool {
	for _, t := range r.ResponseTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// TokenRequest is a validated token endpoint request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scopes       []string
	Username     string
	Password     string
	Audience     string
}

// Policy holds the validator's configurable rules.
type Policy struct {
	// AllowInsecureTransport accepts requests over plain HTTP from
	// non-loopback hosts. Loopback is always permitted.
	AllowInsecureTransport bool
	// RequirePKCE mandates a code challenge for public clients.
	RequirePKCE bool
	// AllowPlainPKCE admits the plain transform next to S256.
	AllowPlainPKCE bool
}

// Validator checks protocol-required fields of incoming requests.
type Validator struct {
	policy Policy
}

// NewValidator builds a Validator with the given policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// CheckTransport enforces the secure-transport gate.
func (v *Validator) CheckTransport(req Request) *Error {
	if req.Secure || v.policy.AllowInsecureTransport {
		return nil
	}
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return NewError(ErrorInvalidRequest, "insecure transport not allowed")
}

// ValidateAuthorizationRequest checks an authorization endpoint request
// against the resolved client.
func (v *Validator) ValidateAuthorizationRequest(req Request, client *Client) (*AuthorizationRequest, *Error) {
	if client == nil {
		return nil, NewError(ErrorUnauthorizedClient, "unknown client")
	}

	redirectURI := req.Param("redirect_uri")
	if redirectURI == "" {
		// Resolvable only when the registration is unambiguous.
		if len(client.RedirectURIs) != 1 {
			return nil, NewError(ErrorInvalidRequest, "redirect_uri required")
		}
		redirectURI = client.RedirectURIs[0]
	}
	if !client.ValidRedirect(redirectURI) {
		return nil, NewError(ErrorInvalidRequest, "redirect_uri not registered")
	}

	state := req.Param("state")

	rts := strings.Fields(req.Param("response_type"))
	if len(rts) == 0 {
		return nil, NewError(ErrorInvalidRequest, "response_type required").withRedirect(redirectURI, state)
	}
	sorted := append([]string(nil), rts...)
	sort.Strings(sorted)
	if _, ok := responseTypes[canonicalResponseType(sorted)]; !ok {
		return nil, NewError(ErrorUnsupportedResponseType, "unsupported response_type").withRedirect(redirectURI, state)
	}

	scopes := strings.Fields(req.Param("scope"))
	if !client.AllowsScopes(scopes) {
		return nil, NewError(ErrorInvalidScope, "scope not allowed for client").withRedirect(redirectURI, state)
	}

	challenge := req.Param("code_challenge")
	method := req.Param("code_challenge_method")
	if challenge != "" {
		if method == "" {
			method = PKCEPlain
		}
		if err := v.checkChallengeMethod(method); err != nil {
			return nil, err.withRedirect(redirectURI, state)
		}
	} else if v.policy.RequirePKCE && client.Public {
		return nil, NewError(ErrorInvalidRequest, "code_challenge required for public clients").withRedirect(redirectURI, state)
	}

	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         redirectURI,
		ResponseTypes:       rts,
		Scopes:              scopes,
		State:               state,
		Nonce:               req.Param("nonce"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Audience:            req.Param("audience"),
	}, nil
}

// ValidateTokenRequest checks a token endpoint request.
func (v *Validator) ValidateTokenRequest(req Request) (*TokenRequest, *Error) {
	grantType := req.Param("grant_type")
	tr := &TokenRequest{
		GrantType:    grantType,
		Code:         req.Param("code"),
		RedirectURI:  req.Param("redirect_uri"),
		CodeVerifier: req.Param("code_verifier"),
		RefreshToken: req.Param("refresh_token"),
		Scopes:       strings.Fields(req.Param("scope")),
		Username:     req.Param("username"),
		Password:     req.Param("password"),
		Audience:     req.Param("audience"),
	}

	switch grantType {
	case GrantAuthorizationCode:
		if tr.Code == "" {
			return nil, NewError(ErrorInvalidRequest, "code required")
		}
	case GrantRefreshToken:
		if tr.RefreshToken == "" {
			return nil, NewError(ErrorInvalidRequest, "refresh_token required")
		}
	case GrantClientCredentials:
		// Client authentication itself is the credential.
	case GrantPassword:
		if tr.Username == "" || tr.Password == "" {
			return nil, NewError(ErrorInvalidRequest, "username and password required")
		}
	case "":
		return nil, NewError(ErrorInvalidRequest, "grant_type required")
	default:
		return nil, NewError(ErrorUnsupportedGrantType, "unsupported grant_type")
	}
	return tr, nil
}

// ValidateIntrospectionRequest checks an introspection request.
func (v *Validator) ValidateIntrospectionRequest(req Request) (string, string, *Error) {
	token := req.Param("token")
	if token == "" {
		return "", "", NewError(ErrorInvalidRequest, "token required")
	}
	return token, req.Param("token_type_hint"), nil
}

// ValidateRevocationRequest checks a revocation request.
func (v *Validator) ValidateRevocationRequest(req Request) (string, string, *Error) {
	token := req.Param("token")
	if token == "" {
		return "", "", NewError(ErrorInvalidRequest, "token required")
	}
	return token, req.Param("token_type_hint"), nil
}

// VerifyPKCE checks a code verifier against the stored challenge using the
// recorded transform.
func (v *Validator) VerifyPKCE(challenge, method, verifier string) *Error {
	if verifier == "" {
		return NewError(ErrorInvalidGrant, "code_verifier required")
	}
	var derived string
	switch method {
	case PKCES256:
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEPlain, "":
		if !v.policy.AllowPlainPKCE && method == PKCEPlain {
			return NewError(ErrorInvalidGrant, "plain code_challenge_method not allowed")
		}
		derived = verifier
	default:
		return NewError(ErrorInvalidGrant, "unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return NewError(ErrorInvalidGrant, "code_verifier mismatch")
	}
	return nil
}

func (v *Validator) checkChallengeMethod(method string) *Error {
	switch method {
	case PKCES256:
		return nil
	case PKCEPlain:
		if v.policy.AllowPlainPKCE {
			return nil
		}
		return NewError(ErrorInvalidRequest, "plain code_challenge_method not allowed")
	default:
		return NewError(ErrorInvalidRequest, "unsupported code_challenge_method")
	}
}

func canonicalResponseType(sorted []string) string {
	return strings.Join(sorted, " ")
}
