package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/homesyncd/homesync/internal/access"
)

// Session is a resolved login. Tokens are opaque random strings; collision
// probability is treated as negligible.
type Session struct {
	Token        string
	UserID       int64
	Username     string
	HomeDir      string
	LastActivity time.Time
}

// SessionRegistry maps tokens to sessions. The mutex is held only across
// map operations, never across I/O.
type SessionRegistry struct {
	mu          sync.Mutex
	sessions    map[string]Session
	idleTimeout time.Duration
	clock       clockwork.Clock
}

// NewSessionRegistry returns a registry expiring sessions after
// idleTimeout without activity. A nil clock means the real clock.
func NewSessionRegistry(idleTimeout time.Duration, clock clockwork.Clock) *SessionRegistry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionRegistry{
		sessions:    map[string]Session{},
		idleTimeout: idleTimeout,
		clock:       clock,
	}
}

// Create registers a new session for user and returns it.
func (r *SessionRegistry) Create(user access.User) Session {
	session := Session{
		Token:        "tok_" + uuid.NewString(),
		UserID:       user.ID,
		Username:     user.Username,
		HomeDir:      user.HomeDir,
		LastActivity: r.clock.Now(),
	}
	r.mu.Lock()
	r.sessions[session.Token] = session
	r.mu.Unlock()
	return session
}

// Lookup resolves a token, refreshing last activity. Expired sessions are
// removed and reported as absent.
func (r *SessionRegistry) Lookup(token string) (Session, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[token]
	if !ok {
		return Session{}, false
	}
	if now.Sub(session.LastActivity) > r.idleTimeout {
		delete(r.sessions, token)
		return Session{}, false
	}
	session.LastActivity = now
	r.sessions[token] = session
	return session, true
}

// Remove erases the session for token.
func (r *SessionRegistry) Remove(token string) {
	r.mu.Lock()
	delete(r.sessions, token)
	r.mu.Unlock()
}

// RemoveUser erases every session belonging to userID.
func (r *SessionRegistry) RemoveUser(userID int64) {
	r.mu.Lock()
	for token, session := range r.sessions {
		if session.UserID == userID {
			delete(r.sessions, token)
		}
	}
	r.mu.Unlock()
}
