package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// TicketStore associates opaque handles with tickets. Take is the primary
// contract: a get-and-delete that must be atomic across concurrent callers,
// so that a handle is redeemed at most once. Implementations may be backed
// by external storage; the default is in-memory.
type TicketStore interface {
	// Put associates handle with the ticket until the ticket expires.
	Put(ctx context.Context, handle string, t Ticket) error
	// Take removes and returns the ticket for handle. Expired, unknown,
	// and already-taken handles all report ok=false.
	Take(ctx context.Context, handle string) (t Ticket, ok bool, err error)
	// Peek returns the ticket without consuming it.
	Peek(ctx context.Context, handle string) (t Ticket, ok bool, err error)
	// Delete removes the handle. Unknown handles are not an error.
	Delete(ctx context.Context, handle string) error
	// Revoke denylists a token ID until the given time.
	Revoke(ctx context.Context, id string, until time.Time) error
	// Revoked reports whether the token ID is denylisted.
	Revoked(ctx context.Context, id string) (bool, error)
}

// NewHandle generates an unguessable opaque handle.
func NewHandle() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("core: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// MemoryStore is the in-process TicketStore. Expiry is checked lazily on
// read; nothing sweeps in the background.
type MemoryStore struct {
	clock Clock

	mu      sync.Mutex
	tickets map[string]Ticket
	revoked map[string]time.Time
}

// NewMemoryStore constructs a MemoryStore using the given clock.
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		tickets: make(map[string]Ticket),
		revoked: make(map[string]time.Time),
	}
}

// Put implements TicketStore.
func (s *MemoryStore) Put(_ context.Context, handle string, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[handle] = t
	return nil
}

// Take implements TicketStore. Lookup and removal happen under one lock
// acquisition, so concurrent redemptions of the same handle yield exactly
// one success.
func (s *MemoryStore) Take(_ context.Context, handle string) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[handle]
	if !ok {
		return Ticket{}, false, nil
	}
	delete(s.tickets, handle)
	if s.clock.Now().After(t.ExpiresAt) {
		return Ticket{}, false, nil
	}
	return t, true, nil
}

// Peek implements TicketStore.
func (s *MemoryStore) Peek(_ context.Context, handle string) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[handle]
	if !ok {
		return Ticket{}, false, nil
	}
	if s.clock.Now().After(t.ExpiresAt) {
		delete(s.tickets, handle)
		return Ticket{}, false, nil
	}
	return t, true, nil
}

// Delete implements TicketStore.
func (s *MemoryStore) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, handle)
	return nil
}

// Revoke implements TicketStore.
func (s *MemoryStore) Revoke(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[id] = until
	return nil
}

// Revoked implements TicketStore.
func (s *MemoryStore) Revoked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.revoked[id]
	if !ok {
		return false, nil
	}
	if s.clock.Now().After(until) {
		delete(s.revoked, id)
		return false, nil
	}
	return true, nil
}
