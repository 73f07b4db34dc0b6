package core

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testKeySet(t *testing.T) *KeySet {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := NewKeySet("", logger)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	return keys
}

func testTicket(clock Clock, purpose Purpose) Ticket {
	now := time.Unix(clock.Now().Unix(), 0)
	return Ticket{
		Subject: "user-1",
		Claims: []Claim{
			{Name: "amr", Values: []string{"pwd", "mfa"}},
			{Name: "email", Values: []string{"user@example.com"}},
		},
		Scopes:     []string{"openid", "profile"},
		Audiences:  []string{"api://default"},
		Presenters: []string{"client-1"},
		AuthTime:   now.Add(-time.Minute),
		IssuedAt:   now,
		ExpiresAt:  now.Add(20 * time.Minute),
		Source:     purpose,
		ID:         "jti-1",
		Properties: map[string]string{"idp": "local"},
	}
}

func assertTicketsEqual(t *testing.T, want, got Ticket) {
	t.Helper()
	if got.Subject != want.Subject {
		t.Errorf("subject: got %q want %q", got.Subject, want.Subject)
	}
	if got.ID != want.ID {
		t.Errorf("id: got %q want %q", got.ID, want.ID)
	}
	if strings.Join(got.Scopes, " ") != strings.Join(want.Scopes, " ") {
		t.Errorf("scopes: got %v want %v", got.Scopes, want.Scopes)
	}
	if strings.Join(got.Audiences, " ") != strings.Join(want.Audiences, " ") {
		t.Errorf("audiences: got %v want %v", got.Audiences, want.Audiences)
	}
	if strings.Join(got.Presenters, " ") != strings.Join(want.Presenters, " ") {
		t.Errorf("presenters: got %v want %v", got.Presenters, want.Presenters)
	}
	if !got.IssuedAt.Equal(want.IssuedAt) {
		t.Errorf("issued at: got %v want %v", got.IssuedAt, want.IssuedAt)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expires at: got %v want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if !got.AuthTime.Equal(want.AuthTime) {
		t.Errorf("auth time: got %v want %v", got.AuthTime, want.AuthTime)
	}
	if got.Source != want.Source {
		t.Errorf("source: got %q want %q", got.Source, want.Source)
	}
	sorted := want.SortClaims()
	if len(got.Claims) != len(sorted.Claims) {
		t.Fatalf("claims: got %v want %v", got.Claims, sorted.Claims)
	}
	for i, c := range sorted.Claims {
		if got.Claims[i].Name != c.Name || strings.Join(got.Claims[i].Values, ",") != strings.Join(c.Values, ",") {
			t.Errorf("claim %d: got %v want %v", i, got.Claims[i], c)
		}
	}
	for k, v := range want.Properties {
		if got.Properties[k] != v {
			t.Errorf("property %q: got %q want %q", k, got.Properties[k], v)
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	clock := newFakeClock()
	codec := NewCodec("https://issuer.test", testKeySet(t), clock)
	ticket := testTicket(clock, PurposeAccessToken)

	raw, err := codec.Protect(ticket, PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	back, err := codec.Unprotect(raw, PurposeAccessToken)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	assertTicketsEqual(t, ticket, back)
}

func TestCodecEncryptedRoundTrip(t *testing.T) {
	clock := newFakeClock()
	keys := testKeySet(t)
	codec := NewCodec("https://issuer.test", keys, clock, WithEncryption(keys.EncryptionKey()))
	ticket := testTicket(clock, PurposeRefreshToken)

	raw, err := codec.Protect(ticket, PurposeRefreshToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if parts := strings.Count(raw, "."); parts != 4 {
		t.Fatalf("expected compact JWE with 5 segments, got %d separators", parts)
	}

	back, err := codec.Unprotect(raw, PurposeRefreshToken)
	if err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	assertTicketsEqual(t, ticket, back)
}

func TestCodecWrongPurpose(t *testing.T) {
	clock := newFakeClock()
	codec := NewCodec("https://issuer.test", testKeySet(t), clock)

	raw, err := codec.Protect(testTicket(clock, PurposeAccessToken), PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if _, err := codec.Unprotect(raw, PurposeRefreshToken); !errors.Is(err, ErrTokenWrongPurpose) {
		t.Fatalf("expected ErrTokenWrongPurpose, got %v", err)
	}
}

func TestCodecExpired(t *testing.T) {
	clock := newFakeClock()
	codec := NewCodec("https://issuer.test", testKeySet(t), clock)

	raw, err := codec.Protect(testTicket(clock, PurposeAccessToken), PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	clock.Advance(21 * time.Minute)
	if _, err := codec.Unprotect(raw, PurposeAccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestCodecRejectsTamperAndForeignIssuer(t *testing.T) {
	clock := newFakeClock()
	codec := NewCodec("https://issuer.test", testKeySet(t), clock)

	raw, err := codec.Protect(testTicket(clock, PurposeAccessToken), PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	tampered := raw[:len(raw)-3] + "xyz"
	if _, err := codec.Unprotect(tampered, PurposeAccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for tampered token, got %v", err)
	}
	if _, err := codec.Unprotect("not-a-token", PurposeAccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage, got %v", err)
	}

	other := NewCodec("https://other.test", testKeySet(t), clock)
	foreign, err := other.Protect(testTicket(clock, PurposeAccessToken), PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if _, err := codec.Unprotect(foreign, PurposeAccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for foreign issuer, got %v", err)
	}
}

func TestCodecSurvivesKeyRotation(t *testing.T) {
	clock := newFakeClock()
	keys := testKeySet(t)
	codec := NewCodec("https://issuer.test", keys, clock)

	raw, err := codec.Protect(testTicket(clock, PurposeAccessToken), PurposeAccessToken)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if err := keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := codec.Unprotect(raw, PurposeAccessToken); err != nil {
		t.Fatalf("token minted before rotation no longer verifies: %v", err)
	}
}

func TestCodecRejectsInvalidTicket(t *testing.T) {
	clock := newFakeClock()
	codec := NewCodec("https://issuer.test", testKeySet(t), clock)

	ticket := testTicket(clock, PurposeAccessToken)
	ticket.Subject = ""
	if _, err := codec.Protect(ticket, PurposeAccessToken); err == nil {
		t.Fatal("expected error for empty subject")
	}

	ticket = testTicket(clock, PurposeAccessToken)
	ticket.ExpiresAt = ticket.IssuedAt
	if _, err := codec.Protect(ticket, PurposeAccessToken); err == nil {
		t.Fatal("expected error for expiry not after issuance")
	}
}
