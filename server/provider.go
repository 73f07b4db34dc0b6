package server

import (
	"context"
	"net/url"

	"authd/core"
)

type sessionCtxKey struct{}
type returnToCtxKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sess)
}

func sessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionCtxKey{}).(*Session)
	return sess
}

func withReturnTo(ctx context.Context, returnTo string) context.Context {
	return context.WithValue(ctx, returnToCtxKey{}, returnTo)
}

func returnToFromContext(ctx context.Context) string {
	returnTo, _ := ctx.Value(returnToCtxKey{}).(string)
	return returnTo
}

// hostProvider adapts the client registry, account directory, and session
// state into the grant engine's hook interface.
type hostProvider struct {
	core.BaseProvider

	clients   *ClientRegistry
	accounts  *AccountDirectory
	loginPath string
}

func newHostProvider(clients *ClientRegistry, accounts *AccountDirectory) *hostProvider {
	return &hostProvider{clients: clients, accounts: accounts, loginPath: "/login"}
}

// ValidateClient resolves clients and, when a secret is presented, verifies
// it. Unknown clients fall through to the engine's default rejection.
func (p *hostProvider) ValidateClient(_ context.Context, creds core.ClientCredentials) (*core.Client, core.Outcome) {
	if creds.Method == "none" {
		client, ok := p.clients.Get(creds.ID)
		if !ok {
			return nil, core.Continue()
		}
		return client, core.Continue()
	}
	client, err := p.clients.Authenticate(creds.ID, creds.Secret)
	if err != nil {
		return nil, core.RejectWith(core.NewError(core.ErrorInvalidClient, "client authentication failed"))
	}
	return client, core.Continue()
}

// HandleAuthorization grants when the browser carries a live session and
// diverts to the login page otherwise.
func (p *hostProvider) HandleAuthorization(ctx context.Context, req *core.AuthorizationRequest) (core.Grant, core.Outcome) {
	sess := sessionFromContext(ctx)
	if sess == nil {
		target := p.loginPath
		if returnTo := returnToFromContext(ctx); returnTo != "" {
			target += "?return_to=" + url.QueryEscape(returnTo)
		}
		return core.Grant{}, core.HandledWith(map[string]any{"location": target})
	}

	grant := core.Grant{
		Granted:    true,
		Subject:    sess.Subject,
		Scopes:     req.Scopes,
		AuthTime:   sess.AuthTime,
		Properties: map[string]string{"idp": sess.IDP, "sid": sess.ID},
	}
	if account, ok := p.accounts.Lookup(sess.Subject); ok {
		grant.Claims = profileClaims(account, req.Scopes)
	}
	return grant, core.Continue()
}

// AuthenticatePassword serves the resource-owner password grant from the
// local directory.
func (p *hostProvider) AuthenticatePassword(_ context.Context, username, password string) (core.Grant, core.Outcome) {
	account, err := p.accounts.Authenticate(username, password)
	if err != nil {
		return core.Grant{}, core.Continue()
	}
	return core.Grant{
		Granted:    true,
		Subject:    account.Subject,
		Properties: map[string]string{"idp": "local"},
	}, core.Continue()
}

// IssueIdentityToken enriches identity tokens with profile claims the
// requested scopes admit.
func (p *hostProvider) IssueIdentityToken(_ context.Context, ticket core.Ticket) (core.Ticket, core.Outcome) {
	account, ok := p.accounts.Lookup(ticket.Subject)
	if !ok {
		return ticket, core.Continue()
	}
	for _, claim := range profileClaims(account, ticket.Scopes) {
		if len(ticket.Claim(claim.Name)) == 0 {
			ticket = ticket.WithClaim(claim.Name, claim.Values...)
		}
	}
	return ticket, core.Continue()
}

func profileClaims(account Account, scopes []string) []core.Claim {
	var claims []core.Claim
	for _, scope := range scopes {
		switch scope {
		case "email":
			if account.Email != "" {
				claims = append(claims, core.Claim{Name: "email", Values: []string{account.Email}})
			}
		case "profile":
			if account.Name != "" {
				claims = append(claims, core.Claim{Name: "name", Values: []string{account.Name}})
			}
		}
	}
	return claims
}
