package server

import (
	"sync"

	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
)

// SessionManager binds logged-in usernames to live connections. A username
// has at most one session and a connection carries at most one.
type SessionManager struct {
	mu     sync.RWMutex
	byUser map[string]*netconn.Conn
	byConn map[uint64]string
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		byUser: make(map[string]*netconn.Conn),
		byConn: make(map[uint64]string),
	}
}

// Bind logs username in on conn. It fails if either side already has a
// session.
func (sm *SessionManager) Bind(username string, conn *netconn.Conn) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.byUser[username]; ok {
		return false
	}
	if _, ok := sm.byConn[conn.ID()]; ok {
		return false
	}
	sm.byUser[username] = conn
	sm.byConn[conn.ID()] = username
	return true
}

// Unbind removes whatever session conn carries and returns its username.
func (sm *SessionManager) Unbind(connID uint64) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	username, ok := sm.byConn[connID]
	if !ok {
		return "", false
	}
	delete(sm.byConn, connID)
	delete(sm.byUser, username)
	return username, true
}

// UserOf returns the username logged in on a connection.
func (sm *SessionManager) UserOf(connID uint64) (string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	username, ok := sm.byConn[connID]
	return username, ok
}

// ConnOf returns the connection username is logged in on.
func (sm *SessionManager) ConnOf(username string) (*netconn.Conn, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	conn, ok := sm.byUser[username]
	return conn, ok
}

// Online reports whether username has a session.
func (sm *SessionManager) Online(username string) bool {
	_, ok := sm.ConnOf(username)
	return ok
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser)
}
