package core

import (
	"errors"
	"sort"
	"time"
)

// Purpose tags a token with the grant stage it was minted for. A token
// presented under a different purpose is never accepted.
type Purpose string

const (
	PurposeAuthorizationCode Purpose = "authorization_code"
	PurposeAccessToken       Purpose = "access_token"
	PurposeRefreshToken      Purpose = "refresh_token"
	PurposeIdentityToken     Purpose = "id_token"
)

// Claim is a named claim. Values holds one entry for scalar claims and
// several for list-valued claims such as amr.
type Claim struct {
	Name   string
	Values []string
}

// Value returns the first value, or "" when the claim is empty.
func (c Claim) Value() string {
	if len(c.Values) == 0 {
		return ""
	}
	return c.Values[0]
}

// Ticket is the authenticated-session record behind every code and token.
// Tickets are values: transformation helpers return copies, nothing mutates
// a ticket once it has been handed to a hook.
type Ticket struct {
	Subject    string
	Claims     []Claim
	Scopes     []string
	Audiences  []string
	Presenters []string
	AuthTime   time.Time
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Source     Purpose
	ID         string
	Properties map[string]string
}

// Validate checks the structural invariants of an issued ticket.
func (t Ticket) Validate() error {
	if t.Subject == "" {
		return errors.New("ticket: empty subject")
	}
	if !t.ExpiresAt.After(t.IssuedAt) {
		return errors.New("ticket: expiry not after issuance")
	}
	return nil
}

// Claim returns the values of the named claim.
func (t Ticket) Claim(name string) []string {
	for _, c := range t.Claims {
		if c.Name == name {
			return c.Values
		}
	}
	return nil
}

// Property reads the host-defined properties bag.
func (t Ticket) Property(name string) string {
	return t.Properties[name]
}

// HasScope reports whether the ticket carries the scope.
func (t Ticket) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// WithClaim returns a copy with the named claim replaced or appended.
func (t Ticket) WithClaim(name string, values ...string) Ticket {
	out := t.clone()
	for i, c := range out.Claims {
		if c.Name == name {
			out.Claims[i] = Claim{Name: name, Values: values}
			return out
		}
	}
	out.Claims = append(out.Claims, Claim{Name: name, Values: values})
	return out
}

// WithoutClaim returns a copy with the named claim removed.
func (t Ticket) WithoutClaim(name string) Ticket {
	out := t.clone()
	claims := out.Claims[:0]
	for _, c := range out.Claims {
		if c.Name != name {
			claims = append(claims, c)
		}
	}
	out.Claims = claims
	return out
}

// WithAudience returns a copy with the audience appended when absent.
func (t Ticket) WithAudience(aud string) Ticket {
	for _, a := range t.Audiences {
		if a == aud {
			return t
		}
	}
	out := t.clone()
	out.Audiences = append(out.Audiences, aud)
	return out
}

// WithScopes returns a copy carrying exactly the given scopes.
func (t Ticket) WithScopes(scopes ...string) Ticket {
	out := t.clone()
	out.Scopes = append([]string(nil), scopes...)
	return out
}

// WithPresenter returns a copy with the authorized party appended.
func (t Ticket) WithPresenter(azp string) Ticket {
	out := t.clone()
	out.Presenters = append(out.Presenters, azp)
	return out
}

// WithProperty returns a copy with the property set.
func (t Ticket) WithProperty(name, value string) Ticket {
	out := t.clone()
	if out.Properties == nil {
		out.Properties = make(map[string]string, 1)
	}
	out.Properties[name] = value
	return out
}

// WithLifetime returns a copy stamped with issuance now and the given TTL.
func (t Ticket) WithLifetime(now time.Time, ttl time.Duration) Ticket {
	out := t.clone()
	out.IssuedAt = now
	out.ExpiresAt = now.Add(ttl)
	return out
}

// WithSource returns a copy marked as derived from the given stage.
func (t Ticket) WithSource(p Purpose) Ticket {
	out := t.clone()
	out.Source = p
	return out
}

// SortClaims orders claims by name. Claims survive codec round-trips as a
// JSON object, so canonical order is by name rather than insertion.
func (t Ticket) SortClaims() Ticket {
	out := t.clone()
	sort.Slice(out.Claims, func(i, j int) bool { return out.Claims[i].Name < out.Claims[j].Name })
	return out
}

func (t Ticket) clone() Ticket {
	out := t
	out.Claims = make([]Claim, len(t.Claims))
	for i, c := range t.Claims {
		out.Claims[i] = Claim{Name: c.Name, Values: append([]string(nil), c.Values...)}
	}
	out.Scopes = append([]string(nil), t.Scopes...)
	out.Audiences = append([]string(nil), t.Audiences...)
	out.Presenters = append([]string(nil), t.Presenters...)
	if t.Properties != nil {
		out.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			out.Properties[k] = v
		}
	}
	return out
}
