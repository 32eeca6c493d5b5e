package server

import (
	"sync"
)

// ChallengeBoard tracks which users are tied up in a challenge, from the
// moment it is issued until its match is over. A user appears under at
// most one challenge.
type ChallengeBoard struct {
	mu      sync.RWMutex
	members map[string][2]string // challengeID -> challenger, invitee
	busy    map[string]string    // username -> challengeID
}

// NewChallengeBoard creates an empty board.
func NewChallengeBoard() *ChallengeBoard {
	return &ChallengeBoard{
		members: make(map[string][2]string),
		busy:    make(map[string]string),
	}
}

// Open records a challenge. It fails if either user is already busy.
func (b *ChallengeBoard) Open(id, challenger, invitee string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.busy[challenger]; ok {
		return false
	}
	if _, ok := b.busy[invitee]; ok {
		return false
	}
	b.members[id] = [2]string{challenger, invitee}
	b.busy[challenger] = id
	b.busy[invitee] = id
	return true
}

// Close forgets a challenge and frees both users.
func (b *ChallengeBoard) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pair, ok := b.members[id]
	if !ok {
		return
	}
	for _, name := range pair {
		if b.busy[name] == id {
			delete(b.busy, name)
		}
	}
	delete(b.members, id)
}

// ChallengeOf returns the challenge a user is tied up in, or "" if none.
func (b *ChallengeBoard) ChallengeOf(username string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.busy[username]
}

// Busy reports whether username is part of an open challenge.
func (b *ChallengeBoard) Busy(username string) bool {
	return b.ChallengeOf(username) != ""
}

// Count returns the number of open challenges.
func (b *ChallengeBoard) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

// InGame is the set of users whose connection is owned by a running match.
type InGame struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewInGame creates an empty set.
func NewInGame() *InGame {
	return &InGame{names: make(map[string]struct{})}
}

// Enter marks users as playing.
func (g *InGame) Enter(usernames ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range usernames {
		g.names[n] = struct{}{}
	}
}

// Leave implements match.Roster.
func (g *InGame) Leave(username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.names, username)
}

// Has reports whether username is playing.
func (g *InGame) Has(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.names[username]
	return ok
}

// Count returns how many users are playing.
func (g *InGame) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.names)
}
