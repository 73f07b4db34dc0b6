package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testProvider authenticates two fixed clients and approves authorization
// for a fixed subject.
type testProvider struct {
	BaseProvider

	denyAuthorization bool
	panicOnAuthorize  bool
	loginRedirect     string
	users             map[string]string
}

func (p *testProvider) ValidateClient(_ context.Context, creds ClientCredentials) (*Client, Outcome) {
	switch creds.ID {
	case "web":
		if creds.Secret != "" && creds.Secret != "s3cret" {
			return nil, RejectWith(NewError(ErrorInvalidClient, "bad secret"))
		}
		return &Client{
			ID:           "web",
			RedirectURIs: []string{"https://app.test/cb"},
			Scopes:       []string{"openid", "profile", "email"},
			Audiences:    []string{"api://default"},
		}, Continue()
	case "spa":
		return &Client{
			ID:           "spa",
			RedirectURIs: []string{"https://spa.test/cb"},
			Scopes:       []string{"openid", "profile"},
			Public:       true,
		}, Continue()
	}
	return nil, Continue()
}

func (p *testProvider) HandleAuthorization(_ context.Context, req *AuthorizationRequest) (Grant, Outcome) {
	if p.panicOnAuthorize {
		panic("authorization hook exploded")
	}
	if p.loginRedirect != "" {
		return Grant{}, HandledWith(map[string]any{"location": p.loginRedirect})
	}
	if p.denyAuthorization {
		return Grant{}, Continue()
	}
	return Grant{
		Granted:  true,
		Subject:  "user-1",
		Scopes:   req.Scopes,
		Claims:   []Claim{{Name: "email", Values: []string{"user@example.com"}}},
		AuthTime: time.Unix(1700000000, 0).Add(-time.Minute),
	}, Continue()
}

func (p *testProvider) AuthenticatePassword(_ context.Context, username, password string) (Grant, Outcome) {
	if p.users == nil || p.users[username] != password {
		return Grant{}, Continue()
	}
	return Grant{Granted: true, Subject: "user:" + username}, Continue()
}

func newTestFlow(t *testing.T, mutate func(*Config)) (*Flow, *MemoryStore, *fakeClock, *testProvider) {
	t.Helper()
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := NewKeySet("", logger)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	store := NewMemoryStore(clock)
	provider := &testProvider{users: map[string]string{"alice": "pw"}}

	cfg := Config{
		Issuer:        "https://issuer.test",
		RotateRefresh: true,
		Policy:        Policy{RequirePKCE: true},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	codec := NewCodec(cfg.Issuer, keys, clock)
	flow, err := NewFlow(cfg, codec, store, keys, provider, clock, logger)
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return flow, store, clock, provider
}

func protocolRequest(params map[string]string) Request {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return NewRequest("POST", values).WithTransport(true, "issuer.test")
}

func pkcePair() (verifier, challenge string) {
	verifier = "correct-horse-battery-staple-verifier"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func obtainCode(t *testing.T, flow *Flow, challenge string) (code, state string) {
	t.Helper()
	resp, ferr := flow.Authorize(context.Background(), protocolRequest(map[string]string{
		"client_id":             "web",
		"redirect_uri":          "https://app.test/cb",
		"response_type":         "code",
		"scope":                 "openid profile",
		"state":                 "xyz",
		"nonce":                 "n-1",
		"code_challenge":        challenge,
		"code_challenge_method": PKCES256,
	}))
	if ferr != nil {
		t.Fatalf("Authorize: %v", ferr)
	}
	if resp.Fragment {
		t.Fatal("code flow must use query encoding")
	}
	if resp.RedirectURI != "https://app.test/cb" {
		t.Fatalf("unexpected redirect target %q", resp.RedirectURI)
	}
	if got := resp.Params.Get("state"); got != "xyz" {
		t.Fatalf("state not echoed: %q", got)
	}
	code = resp.Params.Get("code")
	if code == "" {
		t.Fatal("no code issued")
	}
	return code, resp.Params.Get("state")
}

func TestAuthorizationCodeFlow(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()

	code, _ := obtainCode(t, flow, challenge)

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("token_type: %q", resp.TokenType)
	}
	if resp.ExpiresIn != 1200 {
		t.Fatalf("expires_in: got %d want 1200", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Fatal("no refresh token")
	}
	if resp.IDToken == "" {
		t.Fatal("openid scope should yield an id_token")
	}

	ticket, err := flow.codec.Unprotect(resp.AccessToken, PurposeAccessToken)
	if err != nil {
		t.Fatalf("Unprotect access token: %v", err)
	}
	if ticket.Subject != "user-1" {
		t.Fatalf("subject: %q", ticket.Subject)
	}
	if !ticket.HasScope("openid") {
		t.Fatalf("scopes: %v", ticket.Scopes)
	}
	if len(ticket.Presenters) == 0 || ticket.Presenters[0] != "web" {
		t.Fatalf("presenters: %v", ticket.Presenters)
	}

	idTicket, err := flow.codec.Unprotect(resp.IDToken, PurposeIdentityToken)
	if err != nil {
		t.Fatalf("Unprotect id token: %v", err)
	}
	if got := idTicket.Claim("nonce"); len(got) != 1 || got[0] != "n-1" {
		t.Fatalf("nonce claim: %v", got)
	}
	wantAtHash := leftmostHash(resp.AccessToken)
	if got := idTicket.Claim("at_hash"); len(got) != 1 || got[0] != wantAtHash {
		t.Fatalf("at_hash claim: %v want %q", got, wantAtHash)
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	tokenReq := protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	})
	if _, ferr := flow.Token(ctx, tokenReq); ferr != nil {
		t.Fatalf("first redemption: %v", ferr)
	}
	_, ferr := flow.Token(ctx, tokenReq)
	if ferr == nil || ferr.Code != ErrorInvalidGrant {
		t.Fatalf("second redemption: expected invalid_grant, got %v", ferr)
	}
}

func TestConcurrentCodeRedemption(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	const redeemers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, invalidGrants := 0, 0
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ferr := flow.Token(ctx, protocolRequest(map[string]string{
				"grant_type":    GrantAuthorizationCode,
				"code":          code,
				"redirect_uri":  "https://app.test/cb",
				"code_verifier": verifier,
				"client_id":     "web",
				"client_secret": "s3cret",
			}))
			mu.Lock()
			defer mu.Unlock()
			if ferr == nil {
				successes++
			} else if ferr.Code == ErrorInvalidGrant {
				invalidGrants++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || invalidGrants != redeemers-1 {
		t.Fatalf("got %d successes, %d invalid_grant; want 1 and %d", successes, invalidGrants, redeemers-1)
	}
}

func TestTokenRequestValidation(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		params map[string]string
		code   string
	}{
		{
			name:   "wrong pkce verifier",
			params: map[string]string{"code_verifier": "wrong"},
			code:   ErrorInvalidGrant,
		},
		{
			name:   "redirect uri mismatch",
			params: map[string]string{"redirect_uri": "https://evil.test/cb"},
			code:   ErrorInvalidGrant,
		},
		{
			name:   "unknown grant type",
			params: map[string]string{"grant_type": "urn:ietf:params:oauth:grant-type:device_code"},
			code:   ErrorUnsupportedGrantType,
		},
		{
			name:   "missing code",
			params: map[string]string{"code": ""},
			code:   ErrorInvalidRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier, challenge := pkcePair()
			code, _ := obtainCode(t, flow, challenge)
			params := map[string]string{
				"grant_type":    GrantAuthorizationCode,
				"code":          code,
				"redirect_uri":  "https://app.test/cb",
				"code_verifier": verifier,
				"client_id":     "web",
				"client_secret": "s3cret",
			}
			for k, v := range tc.params {
				params[k] = v
			}
			_, ferr := flow.Token(ctx, protocolRequest(params))
			if ferr == nil || ferr.Code != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, ferr)
			}
		})
	}
}

func TestRefreshGrantRotation(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	first, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}

	refreshed, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantRefreshToken,
		"refresh_token": first.RefreshToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("refresh: %v", ferr)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatal("refresh should mint new tokens")
	}
	if refreshed.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token should rotate")
	}

	// The rotated-out token is dead.
	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantRefreshToken,
		"refresh_token": first.RefreshToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidGrant {
		t.Fatalf("replayed refresh token: expected invalid_grant, got %v", ferr)
	}
}

func TestRefreshGrantScopeNarrowing(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	first, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}

	narrowed, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantRefreshToken,
		"refresh_token": first.RefreshToken,
		"scope":         "profile",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("narrowed refresh: %v", ferr)
	}
	if narrowed.Scope != "profile" {
		t.Fatalf("scope: got %q want %q", narrowed.Scope, "profile")
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantRefreshToken,
		"refresh_token": narrowed.RefreshToken,
		"scope":         "profile email",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidScope {
		t.Fatalf("broadened refresh: expected invalid_scope, got %v", ferr)
	}
}

func TestAccessTokenRejectedAsRefreshToken(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantRefreshToken,
		"refresh_token": resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidGrant {
		t.Fatalf("access token as refresh token: expected invalid_grant, got %v", ferr)
	}
}

func TestImplicitAndHybridFlows(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	resp, ferr := flow.Authorize(ctx, protocolRequest(map[string]string{
		"client_id":     "web",
		"redirect_uri":  "https://app.test/cb",
		"response_type": "id_token token",
		"scope":         "openid",
		"state":         "abc",
		"nonce":         "n-2",
	}))
	if ferr != nil {
		t.Fatalf("implicit Authorize: %v", ferr)
	}
	if !resp.Fragment {
		t.Fatal("implicit flow must use fragment encoding")
	}
	if resp.Params.Get("access_token") == "" || resp.Params.Get("id_token") == "" {
		t.Fatalf("missing tokens in %v", resp.Params)
	}

	loc, err := resp.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if !strings.Contains(loc, "#") || strings.Contains(strings.SplitN(loc, "#", 2)[0], "access_token") {
		t.Fatalf("tokens leaked into query: %q", loc)
	}

	_, challenge := pkcePair()
	hybrid, ferr := flow.Authorize(ctx, protocolRequest(map[string]string{
		"client_id":             "web",
		"redirect_uri":          "https://app.test/cb",
		"response_type":         "code id_token",
		"scope":                 "openid",
		"nonce":                 "n-3",
		"code_challenge":        challenge,
		"code_challenge_method": PKCES256,
	}))
	if ferr != nil {
		t.Fatalf("hybrid Authorize: %v", ferr)
	}
	if !hybrid.Fragment {
		t.Fatal("hybrid flow must use fragment encoding")
	}
	code := hybrid.Params.Get("code")
	idToken := hybrid.Params.Get("id_token")
	if code == "" || idToken == "" {
		t.Fatalf("missing code or id_token in %v", hybrid.Params)
	}

	idTicket, err := flow.codec.Unprotect(idToken, PurposeIdentityToken)
	if err != nil {
		t.Fatalf("Unprotect id token: %v", err)
	}
	if got := idTicket.Claim("c_hash"); len(got) != 1 || got[0] != leftmostHash(code) {
		t.Fatalf("c_hash claim: %v", got)
	}
}

func TestAuthorizeDenied(t *testing.T) {
	flow, _, _, provider := newTestFlow(t, nil)
	provider.denyAuthorization = true

	_, ferr := flow.Authorize(context.Background(), protocolRequest(map[string]string{
		"client_id":     "web",
		"redirect_uri":  "https://app.test/cb",
		"response_type": "code",
		"state":         "s1",
	}))
	if ferr == nil || ferr.Code != ErrorAccessDenied {
		t.Fatalf("expected access_denied, got %v", ferr)
	}
	if ferr.RedirectURI != "https://app.test/cb" || ferr.State != "s1" {
		t.Fatalf("denial should be redirectable with state: %+v", ferr)
	}
}

func TestAuthorizeLoginRedirect(t *testing.T) {
	flow, _, _, provider := newTestFlow(t, nil)
	provider.loginRedirect = "https://issuer.test/login?return=1"

	resp, ferr := flow.Authorize(context.Background(), protocolRequest(map[string]string{
		"client_id":     "web",
		"redirect_uri":  "https://app.test/cb",
		"response_type": "code",
	}))
	if ferr != nil {
		t.Fatalf("Authorize: %v", ferr)
	}
	loc, err := resp.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc != provider.loginRedirect {
		t.Fatalf("login redirect: got %q want %q", loc, provider.loginRedirect)
	}
}

func TestHookPanicBecomesServerError(t *testing.T) {
	flow, _, _, provider := newTestFlow(t, nil)
	provider.panicOnAuthorize = true

	_, ferr := flow.Authorize(context.Background(), protocolRequest(map[string]string{
		"client_id":     "web",
		"redirect_uri":  "https://app.test/cb",
		"response_type": "code",
	}))
	if ferr == nil || ferr.Code != ErrorServerError {
		t.Fatalf("expected server_error, got %v", ferr)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantClientCredentials,
		"scope":         "profile",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}
	if resp.RefreshToken != "" {
		t.Fatal("client_credentials must not issue a refresh token")
	}
	ticket, err := flow.codec.Unprotect(resp.AccessToken, PurposeAccessToken)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if ticket.Subject != "web" {
		t.Fatalf("subject: %q", ticket.Subject)
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type": GrantClientCredentials,
		"client_id":  "spa",
	}))
	if ferr == nil || ferr.Code != ErrorUnauthorizedClient {
		t.Fatalf("public client: expected unauthorized_client, got %v", ferr)
	}
}

func TestPasswordGrant(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantPassword,
		"username":      "alice",
		"password":      "pw",
		"scope":         "profile",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}
	ticket, err := flow.codec.Unprotect(resp.AccessToken, PurposeAccessToken)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if ticket.Subject != "user:alice" {
		t.Fatalf("subject: %q", ticket.Subject)
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantPassword,
		"username":      "alice",
		"password":      "wrong",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidGrant {
		t.Fatalf("bad password: expected invalid_grant, got %v", ferr)
	}
}

func TestIntrospection(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}

	active, ferr := flow.Introspect(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Introspect: %v", ferr)
	}
	if active["active"] != true || active["sub"] != "user-1" || active["client_id"] != "web" {
		t.Fatalf("unexpected introspection response: %v", active)
	}

	unknown, ferr := flow.Introspect(ctx, protocolRequest(map[string]string{
		"token":         "garbage-token-value",
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("unknown token must not be an error, got %v", ferr)
	}
	if unknown["active"] != false {
		t.Fatalf("unknown token should be inactive: %v", unknown)
	}
}

func TestRevocation(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}

	if ferr := flow.Revoke(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	})); ferr != nil {
		t.Fatalf("Revoke: %v", ferr)
	}

	after, ferr := flow.Introspect(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Introspect: %v", ferr)
	}
	if after["active"] != false {
		t.Fatalf("revoked token should be inactive: %v", after)
	}

	// Revoking nonsense succeeds silently.
	if ferr := flow.Revoke(ctx, protocolRequest(map[string]string{
		"token":         "garbage-token-value",
		"client_id":     "web",
		"client_secret": "s3cret",
	})); ferr != nil {
		t.Fatalf("revoking unknown token must succeed, got %v", ferr)
	}
}

func TestReferenceTokens(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, func(cfg *Config) { cfg.ReferenceTokens = true })
	ctx := context.Background()

	resp, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantClientCredentials,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}
	if strings.Contains(resp.AccessToken, ".") {
		t.Fatalf("reference token should be opaque, got %q", resp.AccessToken)
	}

	active, ferr := flow.Introspect(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr != nil {
		t.Fatalf("Introspect: %v", ferr)
	}
	if active["active"] != true || active["sub"] != "web" {
		t.Fatalf("unexpected introspection response: %v", active)
	}

	if ferr := flow.Revoke(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	})); ferr != nil {
		t.Fatalf("Revoke: %v", ferr)
	}
	after, _ := flow.Introspect(ctx, protocolRequest(map[string]string{
		"token":         resp.AccessToken,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if after["active"] != false {
		t.Fatalf("revoked reference token should be inactive: %v", after)
	}
}

func TestClientAuthenticationFailures(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	_, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantClientCredentials,
		"client_id":     "web",
		"client_secret": "wrong",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidClient {
		t.Fatalf("wrong secret: expected invalid_client, got %v", ferr)
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type": GrantClientCredentials,
		"client_id":  "web",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidClient {
		t.Fatalf("missing secret: expected invalid_client, got %v", ferr)
	}

	_, ferr = flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantClientCredentials,
		"client_id":     "ghost",
		"client_secret": "whatever",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidClient {
		t.Fatalf("unknown client: expected invalid_client, got %v", ferr)
	}
}

func TestBasicAuthClientCredentials(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)

	values := url.Values{}
	values.Set("grant_type", GrantClientCredentials)
	req := NewRequest("POST", values).
		WithTransport(true, "issuer.test").
		WithAuthorization("Basic " + base64.StdEncoding.EncodeToString([]byte("web:s3cret")))

	resp, ferr := flow.Token(context.Background(), req)
	if ferr != nil {
		t.Fatalf("Token: %v", ferr)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token")
	}
}

func TestInsecureTransportGate(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, nil)
	ctx := context.Background()

	values := url.Values{}
	values.Set("grant_type", GrantClientCredentials)
	values.Set("client_id", "web")
	values.Set("client_secret", "s3cret")

	insecure := NewRequest("POST", values).WithTransport(false, "issuer.test")
	if _, ferr := flow.Token(ctx, insecure); ferr == nil || ferr.Code != ErrorInvalidRequest {
		t.Fatalf("insecure transport: expected invalid_request, got %v", ferr)
	}

	loopback := NewRequest("POST", values).WithTransport(false, "127.0.0.1:8080")
	if _, ferr := flow.Token(ctx, loopback); ferr != nil {
		t.Fatalf("loopback must be allowed: %v", ferr)
	}

	localhost := NewRequest("POST", values).WithTransport(false, "localhost:8080")
	if _, ferr := flow.Token(ctx, localhost); ferr != nil {
		t.Fatalf("localhost must be allowed: %v", ferr)
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	flow, _, clock, _ := newTestFlow(t, nil)
	ctx := context.Background()
	verifier, challenge := pkcePair()
	code, _ := obtainCode(t, flow, challenge)

	clock.Advance(6 * time.Minute)

	_, ferr := flow.Token(ctx, protocolRequest(map[string]string{
		"grant_type":    GrantAuthorizationCode,
		"code":          code,
		"redirect_uri":  "https://app.test/cb",
		"code_verifier": verifier,
		"client_id":     "web",
		"client_secret": "s3cret",
	}))
	if ferr == nil || ferr.Code != ErrorInvalidGrant {
		t.Fatalf("expired code: expected invalid_grant, got %v", ferr)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, func(cfg *Config) {
		cfg.ScopesSupported = []string{"openid", "profile", "email"}
		cfg.Endpoints.Revocation = EndpointDisabled
	})

	doc := flow.Discovery()
	if doc["issuer"] != "https://issuer.test" {
		t.Fatalf("issuer: %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != "https://issuer.test/authorize" {
		t.Fatalf("authorization_endpoint: %v", doc["authorization_endpoint"])
	}
	if doc["token_endpoint"] != "https://issuer.test/token" {
		t.Fatalf("token_endpoint: %v", doc["token_endpoint"])
	}
	if _, present := doc["revocation_endpoint"]; present {
		t.Fatal("disabled endpoint must not be published")
	}
	methods, _ := doc["code_challenge_methods_supported"].([]string)
	if len(methods) != 1 || methods[0] != PKCES256 {
		t.Fatalf("challenge methods: %v", methods)
	}

	jwks := flow.JWKS()
	if len(jwks.Keys) == 0 {
		t.Fatal("JWKS must publish at least one key")
	}
	for _, key := range jwks.Keys {
		if !key.IsPublic() {
			t.Fatalf("JWKS leaked a private key (kid %s)", key.KeyID)
		}
	}
}
