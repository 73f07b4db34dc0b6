package core

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// Request is a parsed protocol request: the HTTP method, the merged
// query/form parameters, and the pieces of transport state the protocol
// cares about. It is built once per call and only read afterwards.
type Request struct {
	Method        string
	Authorization string
	Secure        bool
	Host          string

	params url.Values
}

// NewRequest snapshots the parameters into an immutable Request.
func NewRequest(method string, params url.Values) Request {
	copied := make(url.Values, len(params))
	for k, v := range params {
		copied[k] = append([]string(nil), v...)
	}
	return Request{Method: method, params: copied}
}

// WithTransport returns a copy annotated with transport state.
func (r Request) WithTransport(secure bool, host string) Request {
	r.Secure = secure
	r.Host = host
	return r
}

// WithAuthorization returns a copy carrying the Authorization header.
func (r Request) WithAuthorization(header string) Request {
	r.Authorization = header
	return r
}

// Param returns the first value of the named parameter.
func (r Request) Param(name string) string {
	return r.params.Get(name)
}

// Has reports whether the parameter was supplied.
func (r Request) Has(name string) bool {
	_, ok := r.params[name]
	return ok
}

// ClientCredentials carries the client authentication material presented
// with a request.
type ClientCredentials struct {
	ID     string
	Secret string
	// Method is how the credentials arrived: client_secret_basic,
	// client_secret_post, or none.
	Method string
}

// Credentials extracts client credentials from the Authorization header or,
// failing that, from the body parameters.
func (r Request) Credentials() ClientCredentials {
	if id, secret, ok := parseBasicAuth(r.Authorization); ok {
		return ClientCredentials{ID: id, Secret: secret, Method: "client_secret_basic"}
	}
	id := r.Param("client_id")
	secret := r.Param("client_secret")
	if secret != "" {
		return ClientCredentials{ID: id, Secret: secret, Method: "client_secret_post"}
	}
	return ClientCredentials{ID: id, Method: "none"}
}

func parseBasicAuth(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	// Credentials are form-encoded inside basic auth per RFC 6749 §2.3.1.
	decodedID, err := url.QueryUnescape(id)
	if err != nil {
		return "", "", false
	}
	decodedSecret, err := url.QueryUnescape(secret)
	if err != nil {
		return "", "", false
	}
	return decodedID, decodedSecret, true
}

// Client is the registered relying application as the core sees it. The
// host resolves and authenticates clients through the ValidateClient hook.
type Client struct {
	ID           string
	RedirectURIs []string
	Scopes       []string
	Audiences    []string
	Public       bool
}

// ValidRedirect reports whether uri is registered for the client.
func (c *Client) ValidRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered.
func (c *Client) AllowsScopes(scopes []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, want := range scopes {
		found := false
		for _, have := range c.Scopes {
			if want == have {
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

// AuthorizeResponse is the outcome of the authorization endpoint: a
// redirect back to the client carrying either a code or tokens.
type AuthorizeResponse struct {
	RedirectURI string
	Params      url.Values
	// Fragment selects fragment encoding, required whenever the response
	// carries tokens.
	Fragment bool
}

// Location renders the redirect target.
func (r *AuthorizeResponse) Location() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", err
	}
	if r.Fragment {
		u.Fragment = ""
		u.RawFragment = ""
		encoded := r.Params.Encode()
		return u.String() + "#" + encoded, nil
	}
	q := u.Query()
	for k, vs := range r.Params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
