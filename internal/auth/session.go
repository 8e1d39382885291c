package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/scottpeterman/velociterm/internal/crypto"
)

const (
	SessionDuration = 1 * time.Hour
	SessionCookie   = "velociterm_session"
)

type sessionEntry struct {
	Identity  Identity
	ExpiresAt time.Time
}

// SessionStore keeps logged-in sessions in memory. Each successful Get
// extends the session by SessionDuration. Cookie values are the session id
// sealed with a fernet key, so a guessed or forged value never reaches the
// map lookup.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]sessionEntry
	sealer   *crypto.Sealer
	nowFn    func() time.Time
}

func NewSessionStore(sealer *crypto.Sealer) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]sessionEntry),
		sealer:   sealer,
		nowFn:    time.Now,
	}
}

// Create starts a session for id and returns the cookie value for it.
func (s *SessionStore) Create(id Identity) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	sid := hex.EncodeToString(b)
	cookie, err := s.sealer.Seal(sid)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[sid] = sessionEntry{Identity: id, ExpiresAt: s.nowFn().Add(SessionDuration)}
	s.mu.Unlock()
	return cookie, nil
}

// Get returns the identity behind a cookie value and slides its expiry.
func (s *SessionStore) Get(cookie string) (*Identity, bool) {
	sid, err := s.sealer.Open(cookie, 0)
	if err != nil {
		return nil, false
	}
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sid]
	if !ok || now.After(entry.ExpiresAt) {
		return nil, false
	}
	entry.ExpiresAt = now.Add(SessionDuration)
	s.sessions[sid] = entry
	id := entry.Identity
	return &id, true
}

// Delete ends the session behind a cookie value.
func (s *SessionStore) Delete(cookie string) {
	sid, err := s.sealer.Open(cookie, 0)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

// DeleteByUsername ends every session of username.
func (s *SessionStore) DeleteByUsername(username string) {
	s.mu.Lock()
	for sid, entry := range s.sessions {
		if entry.Identity.Username == username {
			delete(s.sessions, sid)
		}
	}
	s.mu.Unlock()
}

// Cleanup drops expired sessions and returns how many were removed.
func (s *SessionStore) Cleanup() int {
	now := s.nowFn()
	n := 0
	s.mu.Lock()
	for sid, entry := range s.sessions {
		if now.After(entry.ExpiresAt) {
			delete(s.sessions, sid)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

// Len returns the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
