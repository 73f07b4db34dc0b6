package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authd/core"
)

// Hardcoded session and rotation defaults
const (
	DefaultSessionTTL        = 12 * time.Hour
	DefaultKeyRotateInterval = 24 * time.Hour
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig                `yaml:"server"`
	Tokens   TokenConfig                 `yaml:"tokens"`
	Sessions SessionConfig               `yaml:"sessions"`
	Clients  []ClientConfig              `yaml:"clients"`
	Users    []UserConfig                `yaml:"users"`
	Upstream map[string]UpstreamProvider `yaml:"upstream"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	Issuer            string    `yaml:"issuer"`
	DevListenAddr     string    `yaml:"dev_listen_addr"`
	HTTPListenAddr    string    `yaml:"http_listen_addr"`
	HTTPSListenAddr   string    `yaml:"https_listen_addr"`
	DevMode           bool      `yaml:"dev_mode"`
	CookieDomain      string    `yaml:"cookie_domain"`
	KeysPath          string    `yaml:"keys_path"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// TokenConfig tunes token issuance.
type TokenConfig struct {
	AccessTTL       time.Duration `yaml:"access_ttl"`
	RefreshTTL      time.Duration `yaml:"refresh_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	IdentityTTL     time.Duration `yaml:"identity_ttl"`
	RotateRefresh   *bool         `yaml:"rotate_refresh"`
	ReferenceTokens bool          `yaml:"reference_tokens"`
	DefaultAudience string        `yaml:"default_audience"`
	Scopes          []string      `yaml:"scopes"`
	RequirePKCE     *bool         `yaml:"require_pkce"`
	AllowPlainPKCE  bool          `yaml:"allow_plain_pkce"`
	RotateKeysEvery time.Duration `yaml:"rotate_keys_every"`
}

// SessionConfig tunes browser sessions.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ClientConfig describes a registered OAuth client. Confidential clients
// carry a bcrypt hash in production; secret is accepted in dev mode only.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	Secret       string   `yaml:"secret"`
	SecretHash   string   `yaml:"secret_hash"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Audiences    []string `yaml:"audiences"`
}

// UserConfig describes a locally-authenticated resource owner.
type UserConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Issuer:          "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			KeysPath:        ".secrets/jwks.json",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Tokens: TokenConfig{
			RotateKeysEvery: DefaultKeyRotateInterval,
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_ISSUER":            func(v string) { cfg.Server.Issuer = v },
		"AUTHD_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHD_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHD_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHD_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHD_KEYS_PATH":         func(v string) { cfg.Server.KeysPath = v },
		"AUTHD_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.Issuer == "" {
		return errors.New("server.issuer is required")
	}
	if !strings.HasPrefix(c.Server.Issuer, "http://") && !strings.HasPrefix(c.Server.Issuer, "https://") {
		return fmt.Errorf("server.issuer must start with http:// or https://, got: %s", c.Server.Issuer)
	}
	if !c.Server.DevMode {
		if strings.HasPrefix(c.Server.Issuer, "http://") {
			return errors.New("server.issuer must be https in production mode")
		}
		if len(c.Server.TLS.Domains) == 0 {
			return errors.New("server.tls.domains must be provided in production")
		}
	}

	if c.Server.TLS.MinVersion != "" {
		switch c.Server.TLS.MinVersion {
		case "1.2", "1.3":
		default:
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		issuerHost := issuerHostname(c.Server.Issuer)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(issuerHost, cookieDomain) {
			return fmt.Errorf("server.cookie_domain '%s' does not match server.issuer domain '%s'", c.Server.CookieDomain, issuerHost)
		}
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client must be configured")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
		if client.Secret != "" && client.SecretHash != "" {
			return fmt.Errorf("clients[%d] (%s): secret and secret_hash are mutually exclusive", i, client.ClientID)
		}
		if !c.Server.DevMode && client.Secret != "" {
			return fmt.Errorf("clients[%d] (%s): plaintext secret not allowed in production, use secret_hash", i, client.ClientID)
		}
	}

	for i, user := range c.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("users[%d] (%s): password or password_hash is required", i, user.Username)
		}
		if !c.Server.DevMode && user.Password != "" {
			return fmt.Errorf("users[%d] (%s): plaintext password not allowed in production, use password_hash", i, user.Username)
		}
	}

	for name, upstream := range c.Upstream {
		if upstream.Issuer == "" {
			return fmt.Errorf("upstream.%s.issuer is required", name)
		}
		if upstream.ClientID == "" {
			return fmt.Errorf("upstream.%s.client_id is required", name)
		}
	}

	return nil
}

// CoreConfig maps the file configuration onto the grant engine's config.
func (c Config) CoreConfig() core.Config {
	rotate := true
	if c.Tokens.RotateRefresh != nil {
		rotate = *c.Tokens.RotateRefresh
	}
	requirePKCE := true
	if c.Tokens.RequirePKCE != nil {
		requirePKCE = *c.Tokens.RequirePKCE
	}
	return core.Config{
		Issuer:          strings.TrimSuffix(c.Server.Issuer, "/"),
		AccessTTL:       c.Tokens.AccessTTL,
		RefreshTTL:      c.Tokens.RefreshTTL,
		CodeTTL:         c.Tokens.CodeTTL,
		IdentityTTL:     c.Tokens.IdentityTTL,
		RotateRefresh:   rotate,
		ReferenceTokens: c.Tokens.ReferenceTokens,
		DefaultAudience: c.Tokens.DefaultAudience,
		ScopesSupported: c.Tokens.Scopes,
		Policy: core.Policy{
			AllowInsecureTransport: c.Server.DevMode,
			RequirePKCE:            requirePKCE,
			AllowPlainPKCE:         c.Tokens.AllowPlainPKCE,
		},
	}
}

func issuerHostname(issuer string) string {
	host := strings.TrimPrefix(issuer, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.IndexAny(host, ":/"); idx != -1 {
		host = host[:idx]
	}
	return host
}
