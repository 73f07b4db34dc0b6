// Package client verifies access tokens minted by an authd server, for use
// inside resource servers that trust it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Config configures the token verifier.
type Config struct {
	// Issuer is the expected iss claim.
	Issuer string
	// JWKSURL is the server's published key set. Defaults to the standard
	// path under Issuer.
	JWKSURL string
	// Audiences restricts which aud values are acceptable. Empty accepts
	// any.
	Audiences []string
	// CacheTTL bounds how long a fetched key set is reused.
	CacheTTL time.Duration
	// IntrospectionURL enables Introspect for opaque reference tokens.
	IntrospectionURL  string
	IntrospectionAuth string

	HTTPClient *http.Client
}

// AccessToken is the verified view of a token.
type AccessToken struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ClientID  string
	ID        string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Claims    map[string]any
}

// HasScope reports whether the token grants the scope.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier validates server-signed JWT access tokens against the published
// JWKS, refreshing the key set on unknown kid values.
type Verifier struct {
	cfg    Config
	client *http.Client

	mu    sync.RWMutex
	cache keyCache
}

type keyCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg Config) *Verifier {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/jwks.json"
	}
	return &Verifier{cfg: cfg, client: cfg.HTTPClient}
}

// Verify checks the signature and claims of a raw access token.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*AccessToken, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureKeys(ctx, false)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if key := findKey(set, kid); key != nil {
			return key.Key, nil
		}
		// Rotation may have published a key we have not seen yet.
		refreshed, rerr := v.ensureKeys(ctx, true)
		if rerr != nil {
			return nil, rerr
		}
		if key := findKey(refreshed, kid); key != nil {
			return key.Key, nil
		}
		return nil, fmt.Errorf("signing key %q not found", kid)
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.accessTokenFromClaims(claims)
}

func (v *Verifier) accessTokenFromClaims(mc jwt.MapClaims) (*AccessToken, error) {
	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}
	if use, _ := mc["token_use"].(string); use != "" && use != "access_token" {
		return nil, fmt.Errorf("not an access token")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("sub missing")
	}

	audiences := normalizeAudience(mc["aud"])
	if len(v.cfg.Audiences) > 0 && !audienceAllowed(audiences, v.cfg.Audiences) {
		return nil, fmt.Errorf("audience rejected")
	}

	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	scopeStr, _ := mc["scope"].(string)
	clientID, _ := mc["azp"].(string)
	jti, _ := mc["jti"].(string)

	return &AccessToken{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		Scopes:    strings.Fields(scopeStr),
		ClientID:  clientID,
		ID:        jti,
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Claims:    raw,
	}, nil
}

// RequireScopes returns an error naming the first missing scope.
func (v *Verifier) RequireScopes(token *AccessToken, required ...string) error {
	for _, need := range required {
		if !token.HasScope(need) {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

type tokenCtxKey struct{}

// Middleware validates bearer tokens and injects the verified token into the
// request context.
func Middleware(v *Verifier, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			token, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.RequireScopes(token, requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenCtxKey{}, token)))
		})
	}
}

// FromContext retrieves the token attached by Middleware.
func FromContext(ctx context.Context) (*AccessToken, bool) {
	token, ok := ctx.Value(tokenCtxKey{}).(*AccessToken)
	return token, ok
}

// Introspect asks the server about a token, typically an opaque reference
// token the verifier cannot check locally.
func (v *Verifier) Introspect(ctx context.Context, token string) (map[string]any, error) {
	if v.cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection not configured")
	}

	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.cfg.IntrospectionAuth != "" {
		req.Header.Set("Authorization", v.cfg.IntrospectionAuth)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed: %s", resp.Status)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func (v *Verifier) ensureKeys(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if !force && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = keyCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		expires: time.Now().Add(cacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
	}
	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, e := range expected {
			if a == e {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func cacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if d, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return d
			}
		}
	}
	return fallback
}
