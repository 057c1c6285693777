// Package cooldown tracks "once per period" permissions, such as one vote per
// caller and target per day.
package cooldown

import "sync"

type key struct {
	caller, target string
}

// Set records (caller, target) pairs until the next Reset.
// Handlers, jobs and HTTP routes share it; every method is safe for concurrent use.
type Set struct {
	name string

	mu      sync.Mutex
	entries map[key]struct{}
}

func New(name string) *Set {
	return &Set{name: name, entries: map[key]struct{}{}}
}

func (s *Set) Name() string { return s.name }

// TryMark records the pair and reports true, or reports false when it was
// already recorded in this period.
func (s *Set) TryMark(caller, target string) bool {
	k := key{caller, target}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = struct{}{}
	return true
}

// Forget removes one pair, e.g. when the action it guarded failed.
func (s *Set) Forget(caller, target string) {
	s.mu.Lock()
	delete(s.entries, key{caller, target})
	s.mu.Unlock()
}

// Reset starts a new period and returns how many pairs were dropped.
func (s *Set) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = map[key]struct{}{}
	return n
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Registry hands out named sets so a plugin's handlers and jobs share one.
type Registry struct {
	mu   sync.Mutex
	sets map[string]*Set
}

func NewRegistry() *Registry {
	return &Registry{sets: map[string]*Set{}}
}

// Get returns the set called name, creating it on first use.
func (r *Registry) Get(name string) *Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sets[name]
	if !ok {
		s = New(name)
		r.sets[name] = s
	}
	return s
}
