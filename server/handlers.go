package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"authd/core"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Flow      *core.Flow
	Keys      *core.KeySet
	Sessions  *SessionManager
	Clients   *ClientRegistry
	Accounts  *AccountDirectory
	Providers map[string]IdentityProvider

	codec *core.Codec
	store core.TicketStore
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	clock := core.SystemClock{}

	keys, err := core.NewKeySet(cfg.Server.KeysPath, logger)
	if err != nil {
		return nil, fmt.Errorf("init keys: %w", err)
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("init clients: %w", err)
	}
	accounts, err := NewAccountDirectory(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("init users: %w", err)
	}

	coreCfg := cfg.CoreConfig()
	codec := core.NewCodec(coreCfg.Issuer, keys, clock)
	store := core.NewMemoryStore(clock)
	provider := newHostProvider(clients, accounts)

	flow, err := core.NewFlow(coreCfg, codec, store, keys, provider, clock, logger)
	if err != nil {
		return nil, err
	}

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Flow:      flow,
		Keys:      keys,
		Sessions:  NewSessionManager(cfg, clock),
		Clients:   clients,
		Accounts:  accounts,
		Providers: providers,
		codec:     codec,
		store:     store,
	}, nil
}

// coreRequest translates an HTTP request into the protocol request the grant
// engine consumes. ParseForm must have run.
func (a *App) coreRequest(r *http.Request) core.Request {
	secure := r.TLS != nil
	host := r.Host
	if a.Config.Server.TrustProxyHeaders {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			secure = proto == "https"
		}
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = fwdHost
		}
	}
	return core.NewRequest(r.Method, r.Form).
		WithTransport(secure, host).
		WithAuthorization(r.Header.Get("Authorization"))
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Flow.Discovery())
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Flow.JWKS())
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProtocolError(w, core.NewError(core.ErrorInvalidRequest, "malformed request"))
		return
	}

	ctx := withSession(r.Context(), a.Sessions.Fetch(r))
	ctx = withReturnTo(ctx, r.URL.RequestURI())

	resp, cerr := a.Flow.Authorize(ctx, a.coreRequest(r))
	if cerr != nil {
		a.authorizeError(w, r, cerr)
		return
	}

	location, err := resp.Location()
	if err != nil {
		a.Logger.Error("authorize redirect build failed", "error", err)
		writeProtocolError(w, core.NewError(core.ErrorServerError, "internal error"))
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// authorizeError sends redirectable protocol errors back to the client's
// redirect URI and renders the rest directly.
func (a *App) authorizeError(w http.ResponseWriter, r *http.Request, cerr *core.Error) {
	if cerr.RedirectURI == "" || !isSafeRedirectURI(cerr.RedirectURI) {
		writeProtocolError(w, cerr)
		return
	}
	target, err := url.Parse(cerr.RedirectURI)
	if err != nil {
		writeProtocolError(w, cerr)
		return
	}
	q := target.Query()
	for k, v := range cerr.Params() {
		q.Set(k, v)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProtocolError(w, core.NewError(core.ErrorInvalidRequest, "malformed request"))
		return
	}

	resp, cerr := a.Flow.Token(r.Context(), a.coreRequest(r))
	if cerr != nil {
		writeProtocolError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProtocolError(w, core.NewError(core.ErrorInvalidRequest, "malformed request"))
		return
	}

	claims, cerr := a.Flow.Introspect(r.Context(), a.coreRequest(r))
	if cerr != nil {
		writeProtocolError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProtocolError(w, core.NewError(core.ErrorInvalidRequest, "malformed request"))
		return
	}

	if cerr := a.Flow.Revoke(r.Context(), a.coreRequest(r)); cerr != nil {
		writeProtocolError(w, cerr)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	ticket, err := a.resolveAccessToken(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{"sub": ticket.Subject}
	for _, claim := range ticket.Claims {
		resp[claim.Name] = claim.Value()
	}
	if account, ok := a.Accounts.Lookup(ticket.Subject); ok {
		if ticket.HasScope("email") && account.Email != "" {
			resp["email"] = account.Email
		}
		if ticket.HasScope("profile") && account.Name != "" {
			resp["name"] = account.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) resolveAccessToken(ctx context.Context, token string) (core.Ticket, error) {
	if a.Config.Tokens.ReferenceTokens {
		if ticket, found, err := a.store.Peek(ctx, token); err == nil && found {
			return ticket, nil
		}
	}
	ticket, err := a.codec.Unprotect(token, core.PurposeAccessToken)
	if err != nil {
		return core.Ticket{}, err
	}
	if ticket.ID != "" {
		if revoked, rerr := a.store.Revoked(ctx, ticket.ID); rerr != nil || revoked {
			return core.Ticket{}, fmt.Errorf("token revoked")
		}
	}
	return ticket, nil
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <input type="hidden" name="return_to" value="{{.ReturnTo}}">
  <label>Username <input type="text" name="username" autocomplete="username"></label>
  <label>Password <input type="password" name="password" autocomplete="current-password"></label>
  <button type="submit">Sign in</button>
</form>
{{range .Providers}}<p><a href="/login/{{.}}?return_to={{$.ReturnToQuery}}">Sign in with {{.}}</a></p>{{end}}
</body>
</html>`))

type loginPage struct {
	ReturnTo      string
	ReturnToQuery string
	Error         string
	Providers     []string
}

func (a *App) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, r.URL.Query().Get("return_to"), "")
}

func (a *App) renderLogin(w http.ResponseWriter, returnTo, errMsg string) {
	if !safeReturnTo(returnTo) {
		returnTo = "/"
	}
	page := loginPage{
		ReturnTo:      returnTo,
		ReturnToQuery: url.QueryEscape(returnTo),
		Error:         errMsg,
	}
	for name := range a.Providers {
		page.Providers = append(page.Providers, name)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, page); err != nil {
		a.Logger.Error("render login", "error", err)
	}
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	returnTo := r.FormValue("return_to")

	account, err := a.Accounts.Authenticate(r.FormValue("username"), r.FormValue("password"))
	if err != nil {
		a.Logger.Warn("login failed", "username", r.FormValue("username"))
		w.WriteHeader(http.StatusUnauthorized)
		a.renderLogin(w, returnTo, "invalid username or password")
		return
	}

	a.Sessions.Create(w, "local", account)
	if !safeReturnTo(returnTo) {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

func (a *App) handleFederatedLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		http.Error(w, "provider not configured", http.StatusNotFound)
		return
	}

	returnTo := r.URL.Query().Get("return_to")
	if !safeReturnTo(returnTo) {
		returnTo = "/"
	}
	nonce := uuid.NewString()
	state := a.Sessions.BeginLogin(name, nonce, returnTo)
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "idp")
	provider, ok := a.Providers[name]
	if !ok {
		http.Error(w, "provider not configured", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	login, ok := a.Sessions.CompleteLogin(state)
	if !ok || login.Provider != name {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	account, err := provider.Exchange(r.Context(), code, login.Nonce)
	if err != nil {
		a.Logger.Error("upstream exchange failed", "provider", name, "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	a.Accounts.Remember(account)
	a.Sessions.Create(w, name, account)
	http.Redirect(w, r, login.ReturnTo, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// safeReturnTo admits only site-local return targets.
func safeReturnTo(returnTo string) bool {
	return strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProtocolError renders an OAuth error as JSON with the status the
// error code calls for.
func writeProtocolError(w http.ResponseWriter, cerr *core.Error) {
	status := http.StatusBadRequest
	switch cerr.Code {
	case core.ErrorInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	case core.ErrorServerError:
		status = http.StatusInternalServerError
	}
	body := map[string]string{"error": cerr.Code}
	if cerr.Description != "" {
		body["error_description"] = cerr.Description
	}
	if cerr.URI != "" {
		body["error_uri"] = cerr.URI
	}
	writeJSON(w, status, body)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
