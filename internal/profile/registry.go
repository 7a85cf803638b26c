// Package profile keeps the last-writer-wins display name of every identity
// seen in profile records.
package profile

import (
	"sync"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// MeAlias is shown for records created by the local identity.
const MeAlias = "(me)"

// aliasKeyLen is how many identity characters the fallback alias shows.
const aliasKeyLen = 6

// Entry is the newest profile seen for an identity.
type Entry struct {
	Identity    string
	DisplayName string
	ObservedAt  int64 // creation time of the profile record, Unix ms
}

// Registry maps identities to display names. It is created at startup,
// mutated only through Apply and read through Resolve.
type Registry struct {
	self    string
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry for the local identity self.
func NewRegistry(self string) *Registry {
	return &Registry{
		self:    self,
		entries: make(map[string]Entry),
	}
}

// Apply records a profile record if its name is non-empty and it is strictly
// newer than the stored entry. It reports whether the entry was replaced.
func (r *Registry) Apply(rec models.Record) bool {
	name := rec.Payload
	if name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.entries[rec.CreatorPubKey] // missing entry has ObservedAt 0
	if rec.CreationTime <= current.ObservedAt {
		return false
	}

	r.entries[rec.CreatorPubKey] = Entry{
		Identity:    rec.CreatorPubKey,
		DisplayName: name,
		ObservedAt:  rec.CreationTime,
	}
	return true
}

// Resolve returns a display string for identity. It never fails: the local
// identity is MeAlias, known identities show their name and everything else a
// truncated key.
func (r *Registry) Resolve(identity string) string {
	if identity == r.self {
		return MeAlias
	}

	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if ok {
		return e.DisplayName
	}

	short := identity
	if len(short) > aliasKeyLen {
		short = short[:aliasKeyLen]
	}
	return "(key:" + short + ")"
}

// Self returns the local identity.
func (r *Registry) Self() string {
	return r.self
}

// Lookup returns the stored entry for identity.
func (r *Registry) Lookup(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Len returns the number of known identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
