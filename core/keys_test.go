package core

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeySetSignAndVerify(t *testing.T) {
	ks, err := NewKeySet("", discardLogger())
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}

	signed, kid, err := ks.Sign(jwt.MapClaims{"sub": "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if kid != ks.ActiveKeyID() {
		t.Fatalf("kid: got %q want %q", kid, ks.ActiveKeyID())
	}

	token, err := jwt.Parse(signed, ks.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	claims := token.Claims.(jwt.MapClaims)
	if claims["sub"] != "user-1" {
		t.Fatalf("sub: %v", claims["sub"])
	}
}

func TestKeySetRotation(t *testing.T) {
	ks, err := NewKeySet("", discardLogger())
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	oldKid := ks.ActiveKeyID()
	signed, _, err := ks.Sign(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := ks.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if ks.ActiveKeyID() == oldKid {
		t.Fatal("rotation should change the active kid")
	}

	// Tokens signed before rotation verify against the retained key.
	if _, err := jwt.Parse(signed, ks.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("Parse after rotation: %v", err)
	}

	jwks := ks.PublicJWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("published keys: got %d want 2", len(jwks.Keys))
	}

	// A second rotation drops the oldest key; its tokens die with it.
	if err := ks.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := jwt.Parse(signed, ks.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err == nil {
		t.Fatal("token signed with a dropped key should no longer verify")
	}
}

func TestKeySetPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "jwks.json")

	ks, err := NewKeySet(path, discardLogger())
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	kid := ks.ActiveKeyID()
	signed, _, err := ks.Sign(jwt.MapClaims{"sub": "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	reloaded, err := NewKeySet(path, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ActiveKeyID() != kid {
		t.Fatalf("reloaded kid: got %q want %q", reloaded.ActiveKeyID(), kid)
	}
	if _, err := jwt.Parse(signed, reloaded.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("Parse with reloaded keys: %v", err)
	}
}

func TestPublicJWKSNeverExposesPrivateKeys(t *testing.T) {
	ks, err := NewKeySet("", discardLogger())
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	for _, key := range ks.PublicJWKS().Keys {
		if !key.IsPublic() {
			t.Fatalf("key %s is not public", key.KeyID)
		}
		if key.Use != "sig" || key.Algorithm != "RS256" {
			t.Fatalf("key metadata: use=%q alg=%q", key.Use, key.Algorithm)
		}
	}
}
