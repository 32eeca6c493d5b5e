// Package registry is the in-memory account registry shared by the command
// dispatcher, the matchmaking coordinator and the match engine.
//
// The map of accounts is guarded by a structure lock. Each account carries
// its own mutex, so point updates for unrelated players never contend. Every
// mutation is followed by a synchronous full-state rewrite through the
// Persister before the caller sees success.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/NicolasHaas/wordquizzle/pkg/crypto"
	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

var (
	ErrDuplicateAccount = errors.New("registry: account already exists")
	ErrUnknownAccount   = errors.New("registry: account not found")
	ErrBadCredentials   = errors.New("registry: wrong password")
	ErrAlreadyFriends   = errors.New("registry: already friends")
	ErrSelfFriendship   = errors.New("registry: cannot befriend yourself")
)

// Persister stores and restores the complete account state.
type Persister interface {
	Save(ctx context.Context, accounts []model.Account) error
	Load(ctx context.Context) ([]model.Account, error)
}

type entry struct {
	mu  sync.Mutex
	acc model.Account
}

// Registry holds all accounts. Use New; the zero value is not usable.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*entry
	order    []string // registration order, used for snapshots

	persist   Persister
	persistMu sync.Mutex
	log       *slog.Logger
}

// New creates an empty registry backed by p. A nil p keeps state in memory only.
func New(p Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		accounts: make(map[string]*entry),
		persist:  p,
		log:      logger.With("component", "registry"),
	}
}

// Load replaces the in-memory state with what the persister holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	accounts, err := r.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]*entry, len(accounts))
	r.order = r.order[:0]
	for _, a := range accounts {
		if _, dup := r.accounts[a.Username]; dup {
			r.log.Warn("duplicate account in snapshot, keeping first", "username", a.Username)
			continue
		}
		r.accounts[a.Username] = &entry{acc: a.Clone()}
		r.order = append(r.order, a.Username)
	}
	r.log.Info("accounts loaded", "count", len(r.order))
	return nil
}

func (r *Registry) lookup(username string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.accounts[username]
	return e, ok
}

// Register creates an account with a freshly salted secret hash.
func (r *Registry) Register(ctx context.Context, username, secret string) error {
	if err := model.ValidateUsername(username); err != nil {
		return err
	}
	if err := model.ValidateSecret(secret); err != nil {
		return err
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	acc := model.Account{
		Username:   username,
		Salt:       salt,
		SecretHash: crypto.HashPassword(secret, salt),
		Friends:    []string{},
	}

	r.mu.Lock()
	if _, exists := r.accounts[username]; exists {
		r.mu.Unlock()
		return ErrDuplicateAccount
	}
	r.accounts[username] = &entry{acc: acc}
	r.order = append(r.order, username)
	r.mu.Unlock()

	if err := r.sync(ctx); err != nil {
		r.mu.Lock()
		delete(r.accounts, username)
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == username })
		r.mu.Unlock()
		return err
	}
	r.log.Info("account registered", "username", username)
	return nil
}

// Exists reports whether username is registered.
func (r *Registry) Exists(username string) bool {
	_, ok := r.lookup(username)
	return ok
}

// VerifyCredentials checks a login attempt.
func (r *Registry) VerifyCredentials(username, secret string) error {
	e, ok := r.lookup(username)
	if !ok {
		return ErrUnknownAccount
	}
	e.mu.Lock()
	salt, hash := e.acc.Salt, e.acc.SecretHash
	e.mu.Unlock()

	if !crypto.VerifyPassword(secret, salt, hash) {
		return ErrBadCredentials
	}
	return nil
}

// FriendsOf returns a copy of username's friend list in insertion order.
func (r *Registry) FriendsOf(username string) ([]string, error) {
	e, ok := r.lookup(username)
	if !ok {
		return nil, ErrUnknownAccount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.acc.Friends), nil
}

// IsFriend reports whether b is in a's friend list.
func (r *Registry) IsFriend(a, b string) bool {
	e, ok := r.lookup(a)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.HasFriend(b)
}

// AddFriendship records a symmetric friendship. Both account locks are held,
// in name order, so no observer ever sees one side without the other.
func (r *Registry) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return ErrSelfFriendship
	}
	ea, okA := r.lookup(a)
	eb, okB := r.lookup(b)
	if !okA || !okB {
		return ErrUnknownAccount
	}

	first, second := ea, eb
	if b < a {
		first, second = eb, ea
	}
	first.mu.Lock()
	second.mu.Lock()
	if ea.acc.HasFriend(b) || eb.acc.HasFriend(a) {
		second.mu.Unlock()
		first.mu.Unlock()
		return ErrAlreadyFriends
	}
	ea.acc.Friends = append(ea.acc.Friends, b)
	eb.acc.Friends = append(eb.acc.Friends, a)
	second.mu.Unlock()
	first.mu.Unlock()

	if err := r.sync(ctx); err != nil {
		return err
	}
	r.log.Debug("friendship added", "a", a, "b", b)
	return nil
}

// PointsOf returns username's current total.
func (r *Registry) PointsOf(username string) (int, error) {
	e, ok := r.lookup(username)
	if !ok {
		return 0, ErrUnknownAccount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Points, nil
}

// IncrementPoints adds delta to username's total under that account's lock.
func (r *Registry) IncrementPoints(ctx context.Context, username string, delta int) error {
	e, ok := r.lookup(username)
	if !ok {
		return ErrUnknownAccount
	}
	e.mu.Lock()
	e.acc.Points += delta
	total := e.acc.Points
	e.mu.Unlock()

	if err := r.sync(ctx); err != nil {
		return err
	}
	r.log.Debug("points updated", "username", username, "delta", delta, "total", total)
	return nil
}

// Ranking returns username and its friends ordered by points, highest first.
// Ties keep the order in which entries were collected: the requester, then
// friends in insertion order. Each account is read under its own lock, so the
// result is not a global snapshot.
func (r *Registry) Ranking(username string) ([]model.RankEntry, error) {
	friends, err := r.FriendsOf(username)
	if err != nil {
		return nil, err
	}

	names := append([]string{username}, friends...)
	ranking := lo.FilterMap(names, func(name string, _ int) (model.RankEntry, bool) {
		pts, err := r.PointsOf(name)
		if err != nil {
			return model.RankEntry{}, false
		}
		return model.RankEntry{Username: name, Points: pts}, true
	})
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Points > ranking[j].Points
	})
	return ranking, nil
}

// Snapshot returns a deep copy of every account in registration order.
func (r *Registry) Snapshot() []model.Account {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.accounts[name])
	}
	r.mu.RUnlock()

	out := make([]model.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.acc.Clone())
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of registered accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

// sync rewrites the full state. Rewrites are serialised so a later snapshot
// never lands before an earlier one.
func (r *Registry) sync(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := r.persist.Save(ctx, r.Snapshot()); err != nil {
		r.log.Error("persist accounts", "err", err)
		return fmt.Errorf("registry: persist: %w", err)
	}
	return nil
}
