package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrNotIdentified   = errors.New("session has not identified")
	ErrUnauthenticated = errors.New("identity does not match authenticated user")
	ErrRegistryClosed  = errors.New("registry closed")
)

// MembershipChecker reports whether userID may subscribe to chatID. It returns
// nil for participants and an error otherwise.
type MembershipChecker interface {
	CheckMembership(ctx context.Context, chatID, userID string) error
}

type sessionEntry struct {
	session   Session
	principal string
	userID    string
	channels  map[string]struct{}
}

// Registry tracks live sessions, their identity and the chat channels they
// joined. A session moves Connected -> Identified -> joined to zero or more
// channels, and Detach removes every membership at once.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	channels map[string]map[string]Session // chatID -> sessionID -> session
	closed   bool

	checker MembershipChecker
	logger  *logrus.Logger
}

func NewRegistry(checker MembershipChecker, logger *logrus.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		channels: make(map[string]map[string]Session),
		checker:  checker,
		logger:   logger,
	}
}

// Attach registers a freshly connected session. principalID is the identity
// the transport authenticated; Identify must later name the same user.
func (r *Registry) Attach(session Session, principalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	r.sessions[session.ID()] = &sessionEntry{
		session:   session,
		principal: principalID,
		channels:  make(map[string]struct{}),
	}
	return nil
}

func (r *Registry) Identify(sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if userID == "" || userID != entry.principal {
		return ErrUnauthenticated
	}
	entry.userID = userID
	return nil
}

// UserID returns the identity bound to the session, or "" before Identify.
func (r *Registry) UserID(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.sessions[sessionID]; ok {
		return entry.userID
	}
	return ""
}

// Join subscribes the session to chatID after checking membership. Joining a
// channel twice is a no-op.
func (r *Registry) Join(ctx context.Context, sessionID, chatID string) error {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	var userID string
	if ok {
		userID = entry.userID
	}
	r.mu.RUnlock()

	if !ok {
		return ErrUnknownSession
	}
	if userID == "" {
		return ErrNotIdentified
	}

	// Membership is checked against the store without holding the lock.
	if err := r.checker.CheckMembership(ctx, chatID, userID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The session may have disconnected while the check ran.
	entry, ok = r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	members := r.channels[chatID]
	if members == nil {
		members = make(map[string]Session)
		r.channels[chatID] = members
	}
	members[sessionID] = entry.session
	entry.channels[chatID] = struct{}{}

	r.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
		"chat_id":    chatID,
	}).Debug("Session joined chat")
	return nil
}

func (r *Registry) Leave(sessionID, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, chatID)
}

// Detach drops the session and all of its channel memberships.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for chatID := range entry.channels {
		r.leaveLocked(sessionID, chatID)
	}
	delete(r.sessions, sessionID)
}

// Members returns a snapshot of the sessions joined to chatID.
func (r *Registry) Members(chatID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[chatID]
	out := make([]Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Channels returns the chats a session is joined to.
func (r *Registry) Channels(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.channels))
	for chatID := range entry.channels {
		out = append(out, chatID)
	}
	return out
}

type Stats struct {
	Sessions int `json:"sessions"`
	Channels int `json:"channels"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Sessions: len(r.sessions), Channels: len(r.channels)}
}

// Close disconnects every session. Later Attach calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, entry := range r.sessions {
		sessions = append(sessions, entry.session)
	}
	r.sessions = make(map[string]*sessionEntry)
	r.channels = make(map[string]map[string]Session)
	r.closed = true
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (r *Registry) leaveLocked(sessionID, chatID string) {
	if members, ok := r.channels[chatID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.channels, chatID)
		}
	}
	if entry, ok := r.sessions[sessionID]; ok {
		delete(entry.channels, chatID)
	}
}
