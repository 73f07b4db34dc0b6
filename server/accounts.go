package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Account is a resource owner the server can authenticate, either from the
// local directory or remembered from an upstream login.
type Account struct {
	Subject string
	Email   string
	Name    string
	Claims  map[string]any
}

// AccountDirectory authenticates local users and remembers profiles of
// federated users so /userinfo can serve them later.
type AccountDirectory struct {
	mu       sync.RWMutex
	local    map[string]localAccount
	profiles map[string]Account
}

type localAccount struct {
	account      Account
	passwordHash []byte
	// plainPassword is populated in dev mode only.
	plainPassword string
}

// NewAccountDirectory builds the directory from configuration.
func NewAccountDirectory(cfgs []UserConfig) (*AccountDirectory, error) {
	local := make(map[string]localAccount, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Username == "" {
			return nil, errors.New("username required")
		}
		if _, dup := local[cfg.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", cfg.Username)
		}
		la := localAccount{
			account: Account{
				Subject: "local:" + cfg.Username,
				Email:   cfg.Email,
				Name:    cfg.Name,
			},
			plainPassword: cfg.Password,
		}
		if cfg.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
				return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", cfg.Username, err)
			}
			la.passwordHash = []byte(cfg.PasswordHash)
		}
		local[cfg.Username] = la
	}
	d := &AccountDirectory{local: local, profiles: make(map[string]Account)}
	for _, la := range local {
		d.profiles[la.account.Subject] = la.account
	}
	return d, nil
}

// Authenticate checks a local username and password.
func (d *AccountDirectory) Authenticate(username, password string) (Account, error) {
	d.mu.RLock()
	la, ok := d.local[username]
	d.mu.RUnlock()
	if !ok || password == "" {
		return Account{}, errors.New("unknown user")
	}
	if la.passwordHash != nil {
		if err := bcrypt.CompareHashAndPassword(la.passwordHash, []byte(password)); err != nil {
			return Account{}, errors.New("password mismatch")
		}
		return la.account, nil
	}
	if subtle.ConstantTimeCompare([]byte(la.plainPassword), []byte(password)) != 1 {
		return Account{}, errors.New("password mismatch")
	}
	return la.account, nil
}

// Remember stores a profile so later userinfo lookups can resolve it.
func (d *AccountDirectory) Remember(account Account) {
	d.mu.Lock()
	d.profiles[account.Subject] = account
	d.mu.Unlock()
}

// Lookup resolves a subject to its remembered profile.
func (d *AccountDirectory) Lookup(subject string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.profiles[subject]
	return account, ok
}
