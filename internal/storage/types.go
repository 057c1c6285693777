package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Rule is one channel rule, voted up or down by users.
type Rule struct {
	ID        int64
	Text      string
	Channel   string
	Author    string // nick!ident@host of whoever added it
	Score     int
	CreatedAt time.Time
}

// Seen is the last join or leave observed for a nick.
type Seen struct {
	Nick    string
	Action  string // "join" or "part"
	Channel string
	At      time.Time
}
