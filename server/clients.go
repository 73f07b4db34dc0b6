package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"authd/core"
)

// ClientRegistry holds registered OAuth clients keyed by client_id.
type ClientRegistry struct {
	clients map[string]*registeredClient
}

type registeredClient struct {
	core.Client
	secretHash []byte
	// plainSecret is populated in dev mode only.
	plainSecret string
}

// NewClientRegistry builds the registry from configuration. A client with no
// secret material is public.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*registeredClient, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cfg.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", cfg.ClientID)
		}
		rc := &registeredClient{
			Client: core.Client{
				ID:           cfg.ClientID,
				RedirectURIs: filterSafeRedirects(cfg.RedirectURIs),
				Scopes:       cfg.Scopes,
				Audiences:    cfg.Audiences,
				Public:       cfg.Secret == "" && cfg.SecretHash == "",
			},
			plainSecret: cfg.Secret,
		}
		if cfg.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(cfg.SecretHash)); err != nil {
				return nil, fmt.Errorf("client %q: secret_hash is not a bcrypt hash: %w", cfg.ClientID, err)
			}
			rc.secretHash = []byte(cfg.SecretHash)
		}
		clients[cfg.ClientID] = rc
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*core.Client, bool) {
	rc, ok := cr.clients[id]
	if !ok {
		return nil, false
	}
	return &rc.Client, true
}

// Authenticate validates the presented client secret. Public clients pass
// without a secret; confidential clients are checked against the bcrypt hash
// (or, in dev configs, the plaintext secret).
func (cr *ClientRegistry) Authenticate(id, secret string) (*core.Client, error) {
	rc, ok := cr.clients[id]
	if !ok {
		return nil, errors.New("unknown client")
	}
	if rc.Public {
		return &rc.Client, nil
	}
	if secret == "" {
		return nil, errors.New("client secret required")
	}
	if rc.secretHash != nil {
		if err := bcrypt.CompareHashAndPassword(rc.secretHash, []byte(secret)); err != nil {
			return nil, errors.New("client secret mismatch")
		}
		return &rc.Client, nil
	}
	if subtle.ConstantTimeCompare([]byte(rc.plainSecret), []byte(secret)) != 1 {
		return nil, errors.New("client secret mismatch")
	}
	return &rc.Client, nil
}

// filterSafeRedirects drops redirect URIs that could be abused for open
// redirects: non-http schemes, protocol-relative URLs, embedded credentials.
func filterSafeRedirects(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		if isSafeRedirectURI(uri) {
			out = append(out, uri)
		}
	}
	return out
}

func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}
	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := strings.ToLower(uri[:idx])
	if scheme != "http" && scheme != "https" {
		return false
	}
	rest := uri[idx+3:]
	// Blocks user:pass@host and path@domain tricks.
	if strings.Contains(rest, "@") {
		return false
	}
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}
