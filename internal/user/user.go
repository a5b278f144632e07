// Package user defines chat participants and their presence.
package user

import (
	"time"

	"github.com/christopherjohns/chatrelay/internal/ident"
)

// User is a chat participant. Users are never deleted; leaving or going
// idle only flips IsOnline.
type User struct {
	ID         string    `json:"id" mapstructure:"id"`
	Nickname   string    `json:"nickname" mapstructure:"nickname"`
	Background string    `json:"background" mapstructure:"background"`
	Avatar     string    `json:"avatar,omitempty" mapstructure:"avatar"`
	IsOnline   bool      `json:"isOnline" mapstructure:"-"`
	LastSeen   time.Time `json:"lastSeen" mapstructure:"-"`
}

// New returns a fresh user with a generated id.
func New(nickname, background, avatar string) User {
	now := ident.Now()
	return User{
		ID:         ident.New(now),
		Nickname:   nickname,
		Background: background,
		Avatar:     avatar,
		IsOnline:   true,
		LastSeen:   now,
	}
}

// Idle reports whether u has not been seen since before cutoff.
func (u User) Idle(cutoff time.Time) bool {
	return u.LastSeen.Before(cutoff)
}
