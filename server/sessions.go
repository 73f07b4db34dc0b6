package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"authd/core"
)

const sessionCookieName = "authd_session"

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string
	Subject   string
	IDP       string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// loginRequest is a pending federated login: the state handed to the
// upstream IdP plus what we need to resume the original authorize request.
type loginRequest struct {
	Provider  string
	Nonce     string
	ReturnTo  string
	CreatedAt time.Time
}

// SessionManager handles cookie-backed sessions and pending login state.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]Session
	pending  map[string]loginRequest

	clock        core.Clock
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, clock core.Clock) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		sessions:     make(map[string]Session),
		pending:      make(map[string]loginRequest),
		clock:        clock,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the live session associated with the request cookie, sliding
// its expiry on activity.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	now := sm.clock.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[cookie.Value]
	if !ok {
		return nil
	}
	if now.After(sess.ExpiresAt) {
		delete(sm.sessions, sess.ID)
		return nil
	}
	sess.ExpiresAt = now.Add(sm.ttl)
	sm.sessions[sess.ID] = sess
	return &sess
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, idp string, account Account) *Session {
	now := sm.clock.Now()
	sess := Session{
		ID:        uuid.NewString(),
		Subject:   account.Subject,
		IDP:       idp,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return &sess
}

// Clear removes the session and its cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.mu.Lock()
		delete(sm.sessions, cookie.Value)
		sm.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// BeginLogin records a pending federated login and returns its state value.
func (sm *SessionManager) BeginLogin(provider, nonce, returnTo string) string {
	state := uuid.NewString()
	sm.mu.Lock()
	sm.pending[state] = loginRequest{
		Provider:  provider,
		Nonce:     nonce,
		ReturnTo:  returnTo,
		CreatedAt: sm.clock.Now(),
	}
	sm.mu.Unlock()
	return state
}

// CompleteLogin consumes a pending login by state. Stale entries are
// rejected.
func (sm *SessionManager) CompleteLogin(state string) (loginRequest, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	req, ok := sm.pending[state]
	if !ok {
		return loginRequest{}, false
	}
	delete(sm.pending, state)
	if sm.clock.Now().Sub(req.CreatedAt) > 10*time.Minute {
		return loginRequest{}, false
	}
	return req, true
}
