// Package model defines the core domain types for WordQuizzle.
package model

// Account is a registered player. The secret is never kept in clear.
type Account struct {
	Username   string   `json:"username"`
	SecretHash []byte   `json:"secret_hash"`
	Salt       []byte   `json:"salt"`
	Points     int      `json:"points"`
	Friends    []string `json:"friends"`
}

// Clone returns a deep copy, safe to hand out of a critical section.
func (a Account) Clone() Account {
	c := a
	c.SecretHash = append([]byte(nil), a.SecretHash...)
	c.Salt = append([]byte(nil), a.Salt...)
	c.Friends = append([]string(nil), a.Friends...)
	return c
}

// HasFriend reports whether name is in the friend list.
func (a *Account) HasFriend(name string) bool {
	for _, f := range a.Friends {
		if f == name {
			return true
		}
	}
	return false
}

// RankEntry is one row of a friends ranking.
type RankEntry struct {
	Username string `json:"username"`
	Points   int    `json:"points"`
}
