// Session registry
//
// Each player is identified by an opaque 128-bit token, carried in the
// X-Session-ID header. The token is the only authentication for puzzle
// state, so it comes from crypto/rand. Sessions expire on a sliding
// window and are swept lazily from request paths rather than by a
// background timer.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session holds one player's ephemeral game state. Handlers must hold
// mu for the duration of any read-modify-write on the puzzle fields;
// two rapid swaps from the same client would otherwise race.
type Session struct {
	token       string
	level       string // empty once every level is completed
	imageName   string // empty until an image is drawn for this level
	arrangement *Arrangement
	startTime   time.Time

	mu sync.Mutex

	// guarded by the registry lock, not mu
	expiresAt time.Time
}

// newToken returns a 128-bit random token rendered as hex.
func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// SessionRegistry maps tokens to sessions. Constructed once at startup
// and shared by every handler; all map access goes through mu. The
// level list is consulted through a func so levels created by an admin
// upload enter progression without a restart.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	levels   func() []string
	timeout  time.Duration
}

func newSessionRegistry(levels func() []string, timeout time.Duration) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		levels:   levels,
		timeout:  timeout,
	}
}

// resolve returns the live session for token, refreshing its expiry.
// An empty, unknown, or expired token yields a fresh session on the
// first level. The second return reports whether a new session was
// minted, so callers can tell the client its old state is gone.
func (sr *SessionRegistry) resolve(token string) (*Session, bool) {
	now := time.Now()

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if token != "" {
		if s, ok := sr.sessions[token]; ok && s.expiresAt.After(now) {
			s.expiresAt = now.Add(sr.timeout)
			return s, false
		}
	}

	s := &Session{
		token:     newToken(),
		expiresAt: now.Add(sr.timeout),
	}
	if levels := sr.levels(); len(levels) > 0 {
		s.level = levels[0]
	}
	sr.sessions[s.token] = s

	return s, true
}

// lookup returns the live session for token without minting a new one,
// refreshing its expiry on success. Used where the caller expects
// continuity and a miss means the player's state is gone.
func (sr *SessionRegistry) lookup(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}

	now := time.Now()

	sr.mu.Lock()
	defer sr.mu.Unlock()

	s, ok := sr.sessions[token]
	if !ok || !s.expiresAt.After(now) {
		return nil, false
	}

	s.expiresAt = now.Add(sr.timeout)
	return s, true
}

// sweep drops every expired session and returns how many were removed.
func (sr *SessionRegistry) sweep() int {
	now := time.Now()

	sr.mu.Lock()
	defer sr.mu.Unlock()

	removed := 0
	for token, s := range sr.sessions {
		if !s.expiresAt.After(now) {
			delete(sr.sessions, token)
			removed++
		}
	}

	return removed
}

// clear unconditionally removes one session.
func (sr *SessionRegistry) clear(token string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	delete(sr.sessions, token)
}

func (sr *SessionRegistry) count() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	return len(sr.sessions)
}

// countByLevel returns active session counts keyed by level name.
// Sessions past the final level are keyed under "completed".
func (sr *SessionRegistry) countByLevel() map[string]int {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range sr.sessions {
		s.mu.Lock()
		level := s.level
		s.mu.Unlock()
		if level == "" {
			level = "completed"
		}
		counts[level]++
	}

	return counts
}

// advanceLevel moves the session to the next level and clears all
// puzzle state. On the final level it reports completion and leaves
// the session's level unset instead of failing. Callers must hold s.mu.
func (sr *SessionRegistry) advanceLevel(s *Session) (next string, completed bool) {
	levels := sr.levels()

	idx := -1
	for i, level := range levels {
		if level == s.level {
			idx = i
			break
		}
	}

	s.arrangement = nil
	s.imageName = ""
	s.startTime = time.Time{}

	if idx < 0 || idx == len(levels)-1 {
		s.level = ""
		return "", true
	}

	s.level = levels[idx+1]
	return s.level, false
}
