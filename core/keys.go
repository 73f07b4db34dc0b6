package core

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
	kid     string
	created time.Time
}

// keyRing is an immutable snapshot of the key set. Rotation swaps the whole
// ring so in-flight requests keep a consistent view.
type keyRing struct {
	active   signingKey
	previous []signingKey
}

// KeySet holds the signing key material. The first signing-capable key is
// the active signer; all keys remain valid for verification until rotated
// out, and their public parts are published through PublicJWKS.
type KeySet struct {
	mu        sync.RWMutex
	ring      *keyRing
	storePath string
	logger    *slog.Logger
}

// NewKeySet loads keys from path when it exists, otherwise generates a
// fresh RSA key. An empty path keeps the set in memory only.
func NewKeySet(path string, logger *slog.Logger) (*KeySet, error) {
	ks := &KeySet{storePath: path, logger: logger}

	if path != "" {
		if err := ks.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if ks.ring == nil {
		if err := ks.Rotate(); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// SigningAlg reports the JWS algorithm used by the active key.
func (ks *KeySet) SigningAlg() string { return jwt.SigningMethodRS256.Alg() }

// ActiveKeyID returns the kid of the active signing key.
func (ks *KeySet) ActiveKeyID() string {
	return ks.snapshot().active.kid
}

// Sign signs the claims with the active key and returns the compact JWS
// together with the kid used.
func (ks *KeySet) Sign(claims jwt.MapClaims) (string, string, error) {
	ring := ks.snapshot()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ring.active.kid
	signed, err := token.SignedString(ring.active.private)
	if err != nil {
		return "", "", err
	}
	return signed, ring.active.kid, nil
}

// Keyfunc resolves the verification key for a presented token, tolerating
// kid values from rotated-out-but-retained keys.
func (ks *KeySet) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	ring := ks.snapshot()
	if kid == "" || kid == ring.active.kid {
		return &ring.active.private.PublicKey, nil
	}
	for _, prev := range ring.previous {
		if prev.kid == kid {
			return &prev.private.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// EncryptionKey returns the active private key, usable for a JWE layer on
// self-consumed tokens.
func (ks *KeySet) EncryptionKey() *rsa.PrivateKey {
	return ks.snapshot().active.private
}

// PublicJWKS exposes the public half of every retained key.
func (ks *KeySet) PublicJWKS() jose.JSONWebKeySet {
	ring := ks.snapshot()
	keys := []jose.JSONWebKey{ring.active.jwk.Public()}
	for _, prev := range ring.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new active key, keeping the old one for verification
// overlap. Callers drive rotation out-of-band; request handling only reads.
func (ks *KeySet) Rotate() error {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKeyID()
	key := signingKey{
		private: private,
		jwk:     jose.JSONWebKey{Key: private, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		kid:     kid,
		created: time.Now(),
	}

	ks.mu.Lock()
	next := &keyRing{active: key}
	if ks.ring != nil {
		next.previous = append([]signingKey{ks.ring.active}, ks.ring.previous...)
		if len(next.previous) > 1 {
			next.previous = next.previous[:1]
		}
	}
	ks.ring = next
	ks.mu.Unlock()

	if ks.storePath != "" {
		return ks.persist()
	}
	return nil
}

// StartRotation rotates on the given interval until stop closes.
func (ks *KeySet) StartRotation(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ks.Rotate(); err != nil {
					ks.logger.Error("key rotation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (ks *KeySet) snapshot() *keyRing {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.ring
}

func (ks *KeySet) persist() error {
	ring := ks.snapshot()
	keys := []jose.JSONWebKey{ring.active.jwk}
	for _, prev := range ring.previous {
		keys = append(keys, prev.jwk)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(ks.storePath, payload, 0o600)
}

func (ks *KeySet) loadFromDisk() error {
	payload, err := os.ReadFile(ks.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	ring := &keyRing{}
	for i, key := range set.Keys {
		private, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		sk := signingKey{private: private, jwk: key, kid: key.KeyID, created: time.Now()}
		if i == 0 {
			ring.active = sk
		} else {
			ring.previous = append(ring.previous, sk)
		}
	}
	if ring.active.private == nil {
		return errors.New("no signing-capable key in key file")
	}
	ks.ring = ring
	return nil
}

func randomKeyID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
