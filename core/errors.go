package core

import "errors"

// Canonical OAuth2 error codes (RFC 6749 §4.1.2.1, §5.2).
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorAccessDenied            = "access_denied"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorServerError             = "server_error"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidClient           = "invalid_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
)

// Token codec failures. Converted to invalid_grant at the protocol boundary,
// never surfaced to clients directly.
var (
	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenWrongPurpose = errors.New("token purpose mismatch")
)

// Error is a protocol error reported to the caller with a canonical code.
type Error struct {
	Code        string
	Description string
	URI         string

	// State echoes the request state on authorization endpoint errors.
	State string
	// RedirectURI is set when the error may safely be delivered by
	// redirect, i.e. after the redirect URI was validated.
	RedirectURI string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError builds a protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Params renders the error as wire parameters.
func (e *Error) Params() map[string]string {
	out := map[string]string{"error": e.Code}
	if e.Description != "" {
		out["error_description"] = e.Description
	}
	if e.URI != "" {
		out["error_uri"] = e.URI
	}
	if e.State != "" {
		out["state"] = e.State
	}
	return out
}

func (e *Error) withRedirect(uri, state string) *Error {
	out := *e
	out.RedirectURI = uri
	out.State = state
	return &out
}
