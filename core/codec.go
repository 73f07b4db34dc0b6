package core

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// purposeClaim tags every minted token with its namespace so a token cannot
// be replayed at a different grant stage.
const purposeClaim = "token_use"

// propertyClaim carries the host-defined properties bag through the codec.
const propertyClaim = "props"

var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {},
	"jti": {}, "azp": {}, "auth_time": {}, "scope": {},
	purposeClaim: {}, propertyClaim: {},
}

// Codec serializes tickets into signed, optionally encrypted token strings
// and reverses the operation. It is a pure function of its inputs plus the
// clock and key material.
type Codec struct {
	issuer string
	keys   *KeySet
	clock  Clock
	encKey *rsa.PrivateKey
}

// CodecOption adjusts Codec construction.
type CodecOption func(*Codec)

// WithEncryption nests the signed token inside a JWE addressed to key.
func WithEncryption(key *rsa.PrivateKey) CodecOption {
	return func(c *Codec) { c.encKey = key }
}

// NewCodec constructs a Codec for the given issuer.
func NewCodec(issuer string, keys *KeySet, clock Clock, opts ...CodecOption) *Codec {
	c := &Codec{issuer: strings.TrimSuffix(issuer, "/"), keys: keys, clock: clock}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Protect serializes the ticket into a protected token string in the given
// purpose namespace.
func (c *Codec) Protect(t Ticket, purpose Purpose) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"iss":        c.issuer,
		"sub":        t.Subject,
		"exp":        t.ExpiresAt.Unix(),
		"iat":        t.IssuedAt.Unix(),
		"nbf":        t.IssuedAt.Unix(),
		purposeClaim: string(purpose),
	}
	if len(t.Audiences) > 0 {
		claims["aud"] = append([]string(nil), t.Audiences...)
	}
	if len(t.Presenters) > 0 {
		claims["azp"] = t.Presenters[0]
	}
	if !t.AuthTime.IsZero() {
		claims["auth_time"] = t.AuthTime.Unix()
	}
	if len(t.Scopes) > 0 {
		claims["scope"] = strings.Join(t.Scopes, " ")
	}
	jti := t.ID
	if jti == "" {
		jti = uuid.NewString()
	}
	claims["jti"] = jti
	for _, cl := range t.Claims {
		if _, taken := registeredClaims[cl.Name]; taken {
			continue
		}
		if len(cl.Values) == 1 {
			claims[cl.Name] = cl.Values[0]
		} else {
			claims[cl.Name] = append([]string(nil), cl.Values...)
		}
	}
	if len(t.Properties) > 0 {
		claims[propertyClaim] = t.Properties
	}

	signed, _, err := c.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if c.encKey == nil {
		return signed, nil
	}
	return c.encrypt(signed)
}

// Unprotect verifies a protected token string and reconstructs its ticket.
// Failure modes: ErrTokenInvalid for malformed or untrusted tokens,
// ErrTokenWrongPurpose on namespace mismatch, ErrTokenExpired past expiry.
func (c *Codec) Unprotect(raw string, purpose Purpose) (Ticket, error) {
	if raw == "" {
		return Ticket{}, ErrTokenInvalid
	}

	if c.encKey != nil && strings.Count(raw, ".") == 4 {
		decrypted, err := c.decrypt(raw)
		if err != nil {
			return Ticket{}, ErrTokenInvalid
		}
		raw = decrypted
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, c.keys.Keyfunc)
	if err != nil || !token.Valid {
		return Ticket{}, ErrTokenInvalid
	}

	if iss, _ := claims["iss"].(string); iss != c.issuer {
		return Ticket{}, ErrTokenInvalid
	}
	if use, _ := claims[purposeClaim].(string); use != string(purpose) {
		return Ticket{}, ErrTokenWrongPurpose
	}
	exp := claimTime(claims["exp"])
	if exp.IsZero() || !exp.After(c.clock.Now()) {
		return Ticket{}, ErrTokenExpired
	}

	t, err := ticketFromClaims(claims, purpose)
	if err != nil {
		return Ticket{}, errors.Join(ErrTokenInvalid, err)
	}
	return t, nil
}

func (c *Codec) encrypt(signed string) (string, error) {
	enc, err := jose.NewEncrypter(
		jose.A128CBC_HS256,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: &c.encKey.PublicKey},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("init encrypter: %w", err)
	}
	obj, err := enc.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

func (c *Codec) decrypt(raw string) (string, error) {
	obj, err := jose.ParseEncrypted(raw)
	if err != nil {
		return "", err
	}
	plain, err := obj.Decrypt(c.encKey)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func ticketFromClaims(claims jwt.MapClaims, purpose Purpose) (Ticket, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Ticket{}, errors.New("sub missing")
	}

	t := Ticket{
		Subject:   sub,
		Source:    purpose,
		IssuedAt:  claimTime(claims["iat"]),
		ExpiresAt: claimTime(claims["exp"]),
		AuthTime:  claimTime(claims["auth_time"]),
		Audiences: claimStrings(claims["aud"]),
	}
	if jti, _ := claims["jti"].(string); jti != "" {
		t.ID = jti
	}
	if azp, _ := claims["azp"].(string); azp != "" {
		t.Presenters = []string{azp}
	}
	if scope, _ := claims["scope"].(string); scope != "" {
		t.Scopes = strings.Fields(scope)
	}
	if props, ok := claims[propertyClaim].(map[string]any); ok {
		t.Properties = make(map[string]string, len(props))
		for k, v := range props {
			if s, ok := v.(string); ok {
				t.Properties[k] = s
			}
		}
	}
	for name, value := range claims {
		if _, taken := registeredClaims[name]; taken {
			continue
		}
		switch v := value.(type) {
		case string:
			t.Claims = append(t.Claims, Claim{Name: name, Values: []string{v}})
		case []any:
			t.Claims = append(t.Claims, Claim{Name: name, Values: claimStrings(v)})
		case float64:
			t.Claims = append(t.Claims, Claim{Name: name, Values: []string{formatNumber(v)}})
		case bool:
			t.Claims = append(t.Claims, Claim{Name: name, Values: []string{fmt.Sprintf("%t", v)}})
		}
	}
	return t.SortClaims(), nil
}

func claimTime(v any) time.Time {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0)
	case int64:
		return time.Unix(n, 0)
	default:
		return time.Time{}
	}
}

func claimStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
