package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EndpointDisabled turns an endpoint off in configuration.
const EndpointDisabled = "disabled"

// Default token lifetimes.
const (
	DefaultAccessTTL   = 20 * time.Minute
	DefaultRefreshTTL  = 24 * time.Hour
	DefaultCodeTTL     = 5 * time.Minute
	DefaultIdentityTTL = 20 * time.Minute
)

// Endpoints holds the published endpoint paths. Set a path to
// EndpointDisabled to drop it from discovery.
type Endpoints struct {
	Authorization string
	Token         string
	JWKS          string
	Introspection string
	Revocation    string
	UserInfo      string
}

// Config is the host-supplied configuration of the grant flow.
type Config struct {
	Issuer    string
	Endpoints Endpoints

	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	CodeTTL     time.Duration
	IdentityTTL time.Duration

	// RotateRefresh revokes the presented refresh token and issues a new
	// one on every refresh grant.
	RotateRefresh bool
	// ReferenceTokens issues access tokens as opaque store handles
	// instead of self-contained JWTs.
	ReferenceTokens bool

	DefaultAudience string
	ScopesSupported []string
	ClaimsSupported []string

	Policy Policy
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.IdentityTTL <= 0 {
		c.IdentityTTL = DefaultIdentityTTL
	}
	if c.Endpoints.Authorization == "" {
		c.Endpoints.Authorization = "/authorize"
	}
	if c.Endpoints.Token == "" {
		c.Endpoints.Token = "/token"
	}
	if c.Endpoints.JWKS == "" {
		c.Endpoints.JWKS = "/.well-known/jwks.json"
	}
	if c.Endpoints.Introspection == "" {
		c.Endpoints.Introspection = "/introspect"
	}
	if c.Endpoints.Revocation == "" {
		c.Endpoints.Revocation = "/revoke"
	}
	if c.Endpoints.UserInfo == "" {
		c.Endpoints.UserInfo = "/userinfo"
	}
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if !strings.HasPrefix(c.Issuer, "http://") && !strings.HasPrefix(c.Issuer, "https://") {
		return fmt.Errorf("issuer must be an http(s) URL, got %q", c.Issuer)
	}
	for _, p := range []string{
		c.Endpoints.Authorization, c.Endpoints.Token, c.Endpoints.JWKS,
		c.Endpoints.Introspection, c.Endpoints.Revocation, c.Endpoints.UserInfo,
	} {
		if p != EndpointDisabled && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("endpoint path %q must start with /", p)
		}
	}
	return nil
}

// Flow drives requests through the OAuth2/OIDC grant state machine. Each
// operation walks a request from validation through client authentication,
// grant evaluation, and token issuance, diverting to a structured protocol
// error from any step.
type Flow struct {
	cfg       Config
	codec     *Codec
	store     TicketStore
	keys      *KeySet
	provider  Provider
	validator *Validator
	clock     Clock
	logger    *slog.Logger
}

// NewFlow wires the grant state machine. Configuration problems fail here,
// at startup, never per-request.
func NewFlow(cfg Config, codec *Codec, store TicketStore, keys *KeySet, provider Provider, clock Clock, logger *slog.Logger) (*Flow, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("flow config: %w", err)
	}
	if codec == nil || store == nil || keys == nil {
		return nil, errors.New("flow: codec, store, and keys are required")
	}
	if provider == nil {
		provider = BaseProvider{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		cfg:       cfg,
		codec:     codec,
		store:     store,
		keys:      keys,
		provider:  provider,
		validator: NewValidator(cfg.Policy),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Validator exposes the flow's request validator.
func (f *Flow) Validator() *Validator { return f.validator }

// Authorize runs the authorization endpoint flow: code, implicit, or
// hybrid, depending on response_type. A Handled outcome from
// HandleAuthorization whose response carries a "location" entry becomes a
// plain redirect, which is how hosts divert unauthenticated users to login.
func (f *Flow) Authorize(ctx context.Context, req Request) (*AuthorizeResponse, *Error) {
	if err := f.validator.CheckTransport(req); err != nil {
		return nil, err
	}

	clientID := req.Param("client_id")
	if clientID == "" {
		return nil, NewError(ErrorInvalidRequest, "client_id required")
	}
	client, cerr := f.resolveClient(ctx, ClientCredentials{ID: clientID, Method: "none"})
	if cerr != nil {
		return nil, cerr
	}

	ar, verr := f.validator.ValidateAuthorizationRequest(req, client)
	if verr != nil {
		return nil, verr
	}

	var grant Grant
	out := f.safeHook("HandleAuthorization", func() Outcome {
		var o Outcome
		grant, o = f.provider.HandleAuthorization(ctx, ar)
		return o
	})
	switch out.Decision {
	case Rejected:
		return nil, out.Err.withRedirect(ar.RedirectURI, ar.State)
	case Handled:
		if loc, ok := out.Response["location"].(string); ok {
			return &AuthorizeResponse{RedirectURI: loc}, nil
		}
		return nil, NewError(ErrorServerError, "unusable hook response").withRedirect(ar.RedirectURI, ar.State)
	}
	if !grant.Granted {
		return nil, NewError(ErrorAccessDenied, "authorization denied").withRedirect(ar.RedirectURI, ar.State)
	}
	if grant.Subject == "" {
		return nil, NewError(ErrorServerError, "grant without subject").withRedirect(ar.RedirectURI, ar.State)
	}

	now := f.clock.Now()
	base := f.baseTicket(client, grant, ar.Scopes, ar.Audience, now)

	params := url.Values{}
	fragment := ar.WantsToken() || ar.WantsIDToken()

	var accessToken, code string
	if ar.WantsCode() {
		handle, err := f.issueCode(ctx, ar, base, now)
		if err != nil {
			return nil, err.withRedirect(ar.RedirectURI, ar.State)
		}
		code = handle
		params.Set("code", handle)
	}
	if ar.WantsToken() {
		token, _, err := f.mintAccessToken(ctx, base, now)
		if err != nil {
			return nil, err.withRedirect(ar.RedirectURI, ar.State)
		}
		accessToken = token
		params.Set("access_token", token)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(f.cfg.AccessTTL.Seconds()), 10))
	}
	if ar.WantsIDToken() {
		idToken, err := f.mintIdentityToken(ctx, base, now, ar.Nonce, accessToken, code)
		if err != nil {
			return nil, err.withRedirect(ar.RedirectURI, ar.State)
		}
		params.Set("id_token", idToken)
	}
	if ar.State != "" {
		params.Set("state", ar.State)
	}

	f.logger.Debug("authorization granted",
		"client_id", client.ID, "subject", grant.Subject, "response_type", strings.Join(ar.ResponseTypes, " "))

	return &AuthorizeResponse{RedirectURI: ar.RedirectURI, Params: params, Fragment: fragment}, nil
}

// Token runs the token endpoint flow for all supported grant types.
func (f *Flow) Token(ctx context.Context, req Request) (*TokenResponse, *Error) {
	if err := f.validator.CheckTransport(req); err != nil {
		return nil, err
	}

	client, cerr := f.authenticateClient(ctx, req)
	if cerr != nil {
		return nil, cerr
	}

	tr, verr := f.validator.ValidateTokenRequest(req)
	if verr != nil {
		return nil, verr
	}

	switch tr.GrantType {
	case GrantAuthorizationCode:
		return f.authorizationCodeGrant(ctx, client, tr)
	case GrantRefreshToken:
		return f.refreshTokenGrant(ctx, client, tr)
	case GrantClientCredentials:
		return f.clientCredentialsGrant(ctx, client, tr)
	case GrantPassword:
		return f.passwordGrant(ctx, client, tr)
	default:
		return nil, NewError(ErrorUnsupportedGrantType, "unsupported grant_type")
	}
}

func (f *Flow) authorizationCodeGrant(ctx context.Context, client *Client, tr *TokenRequest) (*TokenResponse, *Error) {
	// Single use: consumption is atomic with lookup. A second redemption,
	// an expired code, and an unknown code are indistinguishable.
	ticket, ok, err := f.store.Take(ctx, tr.Code)
	if err != nil {
		f.logger.Error("code lookup failed", "error", err)
		return nil, NewError(ErrorServerError, "store unavailable")
	}
	if !ok {
		return nil, NewError(ErrorInvalidGrant, "authorization code invalid, expired, or consumed")
	}

	if ticket.Property("client_id") != client.ID {
		return nil, NewError(ErrorInvalidGrant, "code issued to another client")
	}
	if ticket.Property("redirect_uri") != tr.RedirectURI {
		return nil, NewError(ErrorInvalidGrant, "redirect_uri mismatch")
	}
	if challenge := ticket.Property("code_challenge"); challenge != "" {
		if perr := f.validator.VerifyPKCE(challenge, ticket.Property("code_challenge_method"), tr.CodeVerifier); perr != nil {
			return nil, perr
		}
	}

	includeID := ticket.HasScope("openid")
	return f.issueTokens(ctx, client, ticket, true, includeID, ticket.Property("nonce"))
}

func (f *Flow) refreshTokenGrant(ctx context.Context, client *Client, tr *TokenRequest) (*TokenResponse, *Error) {
	ticket, err := f.codec.Unprotect(tr.RefreshToken, PurposeRefreshToken)
	if err != nil {
		return nil, NewError(ErrorInvalidGrant, "refresh token rejected")
	}
	if revoked, rerr := f.store.Revoked(ctx, ticket.ID); rerr != nil {
		f.logger.Error("revocation check failed", "error", rerr)
		return nil, NewError(ErrorServerError, "store unavailable")
	} else if revoked {
		return nil, NewError(ErrorInvalidGrant, "refresh token revoked")
	}
	if len(ticket.Presenters) == 0 || ticket.Presenters[0] != client.ID {
		return nil, NewError(ErrorInvalidGrant, "refresh token issued to another client")
	}

	originalScopes := ticket.Scopes
	if len(tr.Scopes) > 0 {
		if !subset(tr.Scopes, originalScopes) {
			return nil, NewError(ErrorInvalidScope, "scope exceeds original grant")
		}
		ticket = ticket.WithScopes(tr.Scopes...)
	}

	if inspector, ok := f.provider.(RefreshInspector); ok {
		adjusted := ticket
		out := f.safeHook("InspectRefresh", func() Outcome {
			var o Outcome
			adjusted, o = inspector.InspectRefresh(ctx, ticket, tr.Scopes)
			return o
		})
		switch out.Decision {
		case Rejected:
			return nil, out.Err
		case Handled:
			return tokenResponseFromParams(out.Response)
		}
		// Adjustment may narrow but never broaden the grant.
		adjusted.Scopes = intersect(adjusted.Scopes, originalScopes)
		ticket = adjusted
	}

	resp, terr := f.issueTokens(ctx, client, ticket, f.cfg.RotateRefresh, ticket.HasScope("openid"), "")
	if terr != nil {
		return nil, terr
	}
	if f.cfg.RotateRefresh {
		if rerr := f.store.Revoke(ctx, ticket.ID, ticket.ExpiresAt); rerr != nil {
			f.logger.Error("refresh rotation revoke failed", "error", rerr)
			return nil, NewError(ErrorServerError, "store unavailable")
		}
	} else {
		resp.RefreshToken = tr.RefreshToken
	}
	return resp, nil
}

func (f *Flow) clientCredentialsGrant(ctx context.Context, client *Client, tr *TokenRequest) (*TokenResponse, *Error) {
	if client.Public {
		return nil, NewError(ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}
	if !client.AllowsScopes(tr.Scopes) {
		return nil, NewError(ErrorInvalidScope, "scope not allowed for client")
	}

	now := f.clock.Now()
	grant := Grant{Granted: true, Subject: client.ID, Scopes: tr.Scopes, AuthTime: now}
	base := f.baseTicket(client, grant, tr.Scopes, tr.Audience, now)
	return f.issueTokens(ctx, client, base, false, false, "")
}

func (f *Flow) passwordGrant(ctx context.Context, client *Client, tr *TokenRequest) (*TokenResponse, *Error) {
	authenticator, ok := f.provider.(PasswordAuthenticator)
	if !ok {
		return nil, NewError(ErrorUnsupportedGrantType, "password grant not supported")
	}

	var grant Grant
	out := f.safeHook("AuthenticatePassword", func() Outcome {
		var o Outcome
		grant, o = authenticator.AuthenticatePassword(ctx, tr.Username, tr.Password)
		return o
	})
	switch out.Decision {
	case Rejected:
		return nil, out.Err
	case Handled:
		return tokenResponseFromParams(out.Response)
	}
	if !grant.Granted || grant.Subject == "" {
		return nil, NewError(ErrorInvalidGrant, "resource owner authentication failed")
	}
	if !client.AllowsScopes(tr.Scopes) {
		return nil, NewError(ErrorInvalidScope, "scope not allowed for client")
	}

	now := f.clock.Now()
	base := f.baseTicket(client, grant, tr.Scopes, tr.Audience, now)
	return f.issueTokens(ctx, client, base, true, base.HasScope("openid"), "")
}

// Introspect reports token metadata per RFC 7662. Unknown, malformed, and
// revoked tokens all report active=false; existence is never disclosed
// through an error.
func (f *Flow) Introspect(ctx context.Context, req Request) (map[string]any, *Error) {
	if err := f.validator.CheckTransport(req); err != nil {
		return nil, err
	}
	if _, cerr := f.authenticateClient(ctx, req); cerr != nil {
		return nil, cerr
	}
	token, hint, verr := f.validator.ValidateIntrospectionRequest(req)
	if verr != nil {
		return nil, verr
	}

	inactive := map[string]any{"active": false}

	ticket, found := f.resolveToken(ctx, token, hint)
	if !found {
		return inactive, nil
	}
	if ticket.ID != "" {
		if revoked, err := f.store.Revoked(ctx, ticket.ID); err != nil || revoked {
			return inactive, nil
		}
	}

	claims := map[string]any{
		"active":     true,
		"sub":        ticket.Subject,
		"iss":        f.cfg.Issuer,
		"token_type": "Bearer",
		"exp":        ticket.ExpiresAt.Unix(),
		"iat":        ticket.IssuedAt.Unix(),
	}
	if len(ticket.Scopes) > 0 {
		claims["scope"] = strings.Join(ticket.Scopes, " ")
	}
	if len(ticket.Audiences) > 0 {
		claims["aud"] = ticket.Audiences
	}
	if len(ticket.Presenters) > 0 {
		claims["client_id"] = ticket.Presenters[0]
	}
	if ticket.ID != "" {
		claims["jti"] = ticket.ID
	}

	adjusted := claims
	out := f.safeHook("Introspect", func() Outcome {
		var o Outcome
		adjusted, o = f.provider.Introspect(ctx, ticket, claims)
		return o
	})
	switch out.Decision {
	case Rejected:
		return nil, out.Err
	case Handled:
		return out.Response, nil
	}
	return adjusted, nil
}

// Revoke invalidates a token or handle per RFC 7009. Revocation of unknown
// tokens succeeds silently.
func (f *Flow) Revoke(ctx context.Context, req Request) *Error {
	if err := f.validator.CheckTransport(req); err != nil {
		return err
	}
	client, cerr := f.authenticateClient(ctx, req)
	if cerr != nil {
		return cerr
	}
	token, _, verr := f.validator.ValidateRevocationRequest(req)
	if verr != nil {
		return verr
	}

	out := f.safeHook("Revoke", func() Outcome { return f.provider.Revoke(ctx, token) })
	switch out.Decision {
	case Rejected:
		return out.Err
	case Handled:
		return nil
	}

	// Opaque handle (code or reference token): removal is the revocation.
	if _, found, err := f.store.Peek(ctx, token); err == nil && found {
		if derr := f.store.Delete(ctx, token); derr != nil {
			f.logger.Error("revoke delete failed", "error", derr)
		}
		return nil
	}

	for _, purpose := range []Purpose{PurposeRefreshToken, PurposeAccessToken} {
		ticket, err := f.codec.Unprotect(token, purpose)
		if err != nil {
			continue
		}
		if len(ticket.Presenters) > 0 && ticket.Presenters[0] != client.ID {
			// Do not let one client revoke another's tokens, but do not
			// disclose the mismatch either.
			return nil
		}
		if ticket.ID != "" {
			if rerr := f.store.Revoke(ctx, ticket.ID, ticket.ExpiresAt); rerr != nil {
				f.logger.Error("revoke denylist failed", "error", rerr)
			}
		}
		return nil
	}
	return nil
}

func (f *Flow) resolveToken(ctx context.Context, token, hint string) (Ticket, bool) {
	if f.cfg.ReferenceTokens {
		if ticket, found, err := f.store.Peek(ctx, token); err == nil && found {
			return ticket, true
		}
	}
	purposes := []Purpose{PurposeAccessToken, PurposeRefreshToken}
	if hint == "refresh_token" {
		purposes = []Purpose{PurposeRefreshToken, PurposeAccessToken}
	}
	for _, purpose := range purposes {
		if ticket, err := f.codec.Unprotect(token, purpose); err == nil {
			return ticket, true
		}
	}
	return Ticket{}, false
}

func (f *Flow) issueCode(ctx context.Context, ar *AuthorizationRequest, base Ticket, now time.Time) (string, *Error) {
	ticket := base.
		WithLifetime(now, f.cfg.CodeTTL).
		WithSource(PurposeAuthorizationCode).
		WithProperty("client_id", ar.Client.ID).
		WithProperty("redirect_uri", ar.RedirectURI)
	if ar.CodeChallenge != "" {
		ticket = ticket.
			WithProperty("code_challenge", ar.CodeChallenge).
			WithProperty("code_challenge_method", ar.CodeChallengeMethod)
	}
	if ar.Nonce != "" {
		ticket = ticket.WithProperty("nonce", ar.Nonce)
	}

	out := f.safeHook("IssueAuthorizationCode", func() Outcome {
		var o Outcome
		ticket, o = f.provider.IssueAuthorizationCode(ctx, ar, ticket)
		return o
	})
	if out.Decision == Rejected {
		return "", out.Err
	}

	handle := NewHandle()
	if err := f.store.Put(ctx, handle, ticket); err != nil {
		f.logger.Error("code store failed", "error", err)
		return "", NewError(ErrorServerError, "store unavailable")
	}
	return handle, nil
}

func (f *Flow) issueTokens(ctx context.Context, client *Client, base Ticket, includeRefresh, includeID bool, nonce string) (*TokenResponse, *Error) {
	now := f.clock.Now()

	accessToken, handled, err := f.mintAccessToken(ctx, base, now)
	if err != nil {
		return nil, err
	}
	if handled != nil {
		return handled, nil
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(f.cfg.AccessTTL.Seconds()),
		Scope:       strings.Join(base.Scopes, " "),
	}

	if includeRefresh && f.cfg.RefreshTTL > 0 {
		ticket := base.WithLifetime(now, f.cfg.RefreshTTL).WithSource(PurposeRefreshToken)
		ticket.ID = ""
		out := f.safeHook("IssueRefreshToken", func() Outcome {
			var o Outcome
			ticket, o = f.provider.IssueRefreshToken(ctx, ticket)
			return o
		})
		switch out.Decision {
		case Rejected:
			return nil, out.Err
		case Handled:
			return tokenResponseFromParams(out.Response)
		}
		refresh, perr := f.codec.Protect(ticket, PurposeRefreshToken)
		if perr != nil {
			f.logger.Error("refresh token mint failed", "error", perr)
			return nil, NewError(ErrorServerError, "token issuance failed")
		}
		resp.RefreshToken = refresh
	}

	if includeID {
		idToken, ierr := f.mintIdentityToken(ctx, base, now, nonce, accessToken, "")
		if ierr != nil {
			return nil, ierr
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// mintAccessToken protects an access ticket, or stores it under an opaque
// handle in reference-token mode. The TokenResponse return is non-nil only
// when a hook short-circuited with a verbatim response.
func (f *Flow) mintAccessToken(ctx context.Context, base Ticket, now time.Time) (string, *TokenResponse, *Error) {
	ticket := base.WithLifetime(now, f.cfg.AccessTTL).WithSource(PurposeAccessToken)
	ticket.ID = ""
	out := f.safeHook("IssueAccessToken", func() Outcome {
		var o Outcome
		ticket, o = f.provider.IssueAccessToken(ctx, ticket)
		return o
	})
	switch out.Decision {
	case Rejected:
		return "", nil, out.Err
	case Handled:
		resp, err := tokenResponseFromParams(out.Response)
		return "", resp, err
	}

	if f.cfg.ReferenceTokens {
		handle := NewHandle()
		ticket.ID = handle
		if err := f.store.Put(ctx, handle, ticket); err != nil {
			f.logger.Error("reference token store failed", "error", err)
			return "", nil, NewError(ErrorServerError, "store unavailable")
		}
		return handle, nil, nil
	}

	token, err := f.codec.Protect(ticket, PurposeAccessToken)
	if err != nil {
		f.logger.Error("access token mint failed", "error", err)
		return "", nil, NewError(ErrorServerError, "token issuance failed")
	}
	return token, nil, nil
}

func (f *Flow) mintIdentityToken(ctx context.Context, base Ticket, now time.Time, nonce, accessToken, code string) (string, *Error) {
	ticket := base.WithLifetime(now, f.cfg.IdentityTTL).WithSource(PurposeIdentityToken)
	ticket.ID = ""
	if nonce != "" {
		ticket = ticket.WithClaim("nonce", nonce)
	}
	if accessToken != "" {
		ticket = ticket.WithClaim("at_hash", leftmostHash(accessToken))
	}
	if code != "" {
		ticket = ticket.WithClaim("c_hash", leftmostHash(code))
	}

	out := f.safeHook("IssueIdentityToken", func() Outcome {
		var o Outcome
		ticket, o = f.provider.IssueIdentityToken(ctx, ticket)
		return o
	})
	if out.Decision == Rejected {
		return "", out.Err
	}

	idToken, err := f.codec.Protect(ticket, PurposeIdentityToken)
	if err != nil {
		f.logger.Error("identity token mint failed", "error", err)
		return "", NewError(ErrorServerError, "token issuance failed")
	}
	return idToken, nil
}

func (f *Flow) baseTicket(client *Client, grant Grant, requestedScopes []string, requestedAudience string, now time.Time) Ticket {
	scopes := grant.Scopes
	if len(scopes) == 0 {
		scopes = requestedScopes
	}
	authTime := grant.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	props := make(map[string]string, len(grant.Properties))
	for k, v := range grant.Properties {
		props[k] = v
	}
	return Ticket{
		Subject:    grant.Subject,
		Claims:     append([]Claim(nil), grant.Claims...),
		Scopes:     append([]string(nil), scopes...),
		Audiences:  []string{f.audienceFor(client, requestedAudience)},
		Presenters: []string{client.ID},
		AuthTime:   authTime,
		Properties: props,
	}
}

func (f *Flow) audienceFor(client *Client, requested string) string {
	if requested != "" {
		return requested
	}
	if len(client.Audiences) > 0 {
		return client.Audiences[0]
	}
	if f.cfg.DefaultAudience != "" {
		return f.cfg.DefaultAudience
	}
	return client.ID
}

func (f *Flow) resolveClient(ctx context.Context, creds ClientCredentials) (*Client, *Error) {
	var client *Client
	out := f.safeHook("ValidateClient", func() Outcome {
		var o Outcome
		client, o = f.provider.ValidateClient(ctx, creds)
		return o
	})
	switch out.Decision {
	case Rejected:
		return nil, out.Err
	case Handled:
		return nil, NewError(ErrorServerError, "unusable hook response")
	}
	if client == nil {
		return nil, NewError(ErrorInvalidClient, "client authentication failed")
	}
	return client, nil
}

func (f *Flow) authenticateClient(ctx context.Context, req Request) (*Client, *Error) {
	creds := req.Credentials()
	if creds.ID == "" {
		return nil, NewError(ErrorInvalidClient, "client authentication required")
	}
	client, err := f.resolveClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.Public && creds.Secret == "" {
		return nil, NewError(ErrorInvalidClient, "client authentication required")
	}
	return client, nil
}

// safeHook invokes a provider hook, converting panics into server_error so
// hook failures never propagate raw to the client.
func (f *Flow) safeHook(name string, call func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("provider hook panicked", "hook", name, "panic", r)
			out = RejectWith(NewError(ErrorServerError, "internal error"))
		}
	}()
	return call()
}

// leftmostHash is the OIDC at_hash/c_hash construction for RS256: the
// base64url-encoded left half of the SHA-256 digest.
func leftmostHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func tokenResponseFromParams(params map[string]any) (*TokenResponse, *Error) {
	resp := &TokenResponse{TokenType: "Bearer"}
	if v, ok := params["access_token"].(string); ok {
		resp.AccessToken = v
	}
	if v, ok := params["token_type"].(string); ok {
		resp.TokenType = v
	}
	if v, ok := params["refresh_token"].(string); ok {
		resp.RefreshToken = v
	}
	if v, ok := params["id_token"].(string); ok {
		resp.IDToken = v
	}
	if v, ok := params["scope"].(string); ok {
		resp.Scope = v
	}
	switch v := params["expires_in"].(type) {
	case int64:
		resp.ExpiresIn = v
	case int:
		resp.ExpiresIn = int64(v)
	case float64:
		resp.ExpiresIn = int64(v)
	}
	if resp.AccessToken == "" {
		return nil, NewError(ErrorServerError, "unusable hook response")
	}
	return resp, nil
}

func subset(want, have []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if w == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}
