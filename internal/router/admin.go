package router

import (
	"strings"
	"sync"

	"github.com/tidwall/match"
)

// AdminMask matches caller hostmasks (nick!user@host) against glob patterns.
// Matching is case-insensitive and happens on every call; the pattern list
// can be swapped at runtime.
type AdminMask struct {
	mu       sync.RWMutex
	patterns []string
}

func NewAdminMask(patterns ...string) *AdminMask {
	a := &AdminMask{}
	a.Set(patterns)
	return a
}

// Set replaces the pattern list.
func (a *AdminMask) Set(patterns []string) {
	cp := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			cp = append(cp, p)
		}
	}
	a.mu.Lock()
	a.patterns = cp
	a.mu.Unlock()
}

// Match reports whether mask matches any pattern. A nil or empty AdminMask matches nothing.
func (a *AdminMask) Match(mask string) bool {
	if a == nil {
		return false
	}
	mask = strings.ToLower(mask)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.patterns {
		if match.Match(mask, p) {
			return true
		}
	}
	return false
}
