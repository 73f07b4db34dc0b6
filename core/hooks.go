package core

import (
	"context"
	"time"
)

// Decision is the tri-state result of a provider hook.
type Decision int

const (
	// UseDefault lets the flow proceed with its built-in behaviour.
	UseDefault Decision = iota
	// Handled stops the flow; the hook-supplied response is used verbatim.
	Handled
	// Rejected stops the flow with the hook-supplied protocol error.
	Rejected
)

// Outcome carries a hook decision plus its payload.
type Outcome struct {
	Decision Decision
	// Response holds the verbatim response parameters when Handled.
	Response map[string]any
	// Err holds the protocol error when Rejected.
	Err *Error
}

// Continue signals the flow to apply its default behaviour.
func Continue() Outcome { return Outcome{Decision: UseDefault} }

// HandledWith short-circuits the flow with the given response.
func HandledWith(response map[string]any) Outcome {
	return Outcome{Decision: Handled, Response: response}
}

// RejectWith terminates the flow with a protocol error.
func RejectWith(err *Error) Outcome {
	return Outcome{Decision: Rejected, Err: err}
}

// Grant is the host's consent decision for an authorization request.
type Grant struct {
	Granted    bool
	Subject    string
	Scopes     []string
	Claims     []Claim
	AuthTime   time.Time
	Properties map[string]string
}

// Provider is the extension surface of the grant flow. The flow invokes
// hooks at fixed points; each hook may continue, take over the response, or
// reject. Implementations embed BaseProvider and override what they need.
//
// Issue* hooks receive the ticket the flow built and return the ticket to
// use, letting hosts enrich claims or swap audiences before minting.
type Provider interface {
	// ValidateClient resolves the client for the presented credentials.
	// A nil client with a UseDefault outcome is treated as invalid_client.
	ValidateClient(ctx context.Context, creds ClientCredentials) (*Client, Outcome)

	// HandleAuthorization decides the consent outcome for a validated
	// authorization request. Grant.Granted false with UseDefault denies.
	HandleAuthorization(ctx context.Context, req *AuthorizationRequest) (Grant, Outcome)

	IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, t Ticket) (Ticket, Outcome)
	IssueAccessToken(ctx context.Context, t Ticket) (Ticket, Outcome)
	IssueRefreshToken(ctx context.Context, t Ticket) (Ticket, Outcome)
	IssueIdentityToken(ctx context.Context, t Ticket) (Ticket, Outcome)

	// Introspect may amend the claims reported for an active token.
	Introspect(ctx context.Context, t Ticket, claims map[string]any) (map[string]any, Outcome)

	// Revoke observes revocations, e.g. for audit trails.
	Revoke(ctx context.Context, token string) Outcome
}

// PasswordAuthenticator is implemented by providers supporting the
// resource owner password grant.
type PasswordAuthenticator interface {
	AuthenticatePassword(ctx context.Context, username, password string) (Grant, Outcome)
}

// RefreshInspector is implemented by providers that adjust tickets during
// refresh. The flow never lets the returned scopes grow beyond the
// original grant.
type RefreshInspector interface {
	InspectRefresh(ctx context.Context, t Ticket, requestedScopes []string) (Ticket, Outcome)
}

// BaseProvider implements Provider with deny/no-op defaults, suitable for
// embedding.
type BaseProvider struct{}

var _ Provider = BaseProvider{}

func (BaseProvider) ValidateClient(context.Context, ClientCredentials) (*Client, Outcome) {
	return nil, Continue()
}

func (BaseProvider) HandleAuthorization(context.Context, *AuthorizationRequest) (Grant, Outcome) {
	return Grant{}, Continue()
}

func (BaseProvider) IssueAuthorizationCode(_ context.Context, _ *AuthorizationRequest, t Ticket) (Ticket, Outcome) {
	return t, Continue()
}

func (BaseProvider) IssueAccessToken(_ context.Context, t Ticket) (Ticket, Outcome) {
	return t, Continue()
}

func (BaseProvider) IssueRefreshToken(_ context.Context, t Ticket) (Ticket, Outcome) {
	return t, Continue()
}

func (BaseProvider) IssueIdentityToken(_ context.Context, t Ticket) (Ticket, Outcome) {
	return t, Continue()
}

func (BaseProvider) Introspect(_ context.Context, _ Ticket, claims map[string]any) (map[string]any, Outcome) {
	return claims, Continue()
}

func (BaseProvider) Revoke(context.Context, string) Outcome {
	return Continue()
}
