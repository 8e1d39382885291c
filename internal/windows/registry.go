// Package windows tracks which owner may drive each terminal window.
//
// The [Registry] is the single ownership table shared by every window in the
// process: one owner token per window id, checked on every inbound message.
// Re-registering a window id hands it to the new owner and silently revokes
// the previous one. Entries idle for longer than a configured age are dropped
// by [Registry.Sweep], usually from a [Sweeper] running on a cron schedule.
// Entries claimed with [Registry.Attach] belong to a live window and are never
// swept; the window releases them itself when it ends.
//
// Registry operations never fail: absence is reported as false or ignored.
package windows

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/scottpeterman/velociterm/internal/logutil"
)

// Entry is the ownership record for one window.
type Entry struct {
	WindowID     string    `json:"window_id"`
	OwnerToken   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	// Attached is set while a live window holds the entry.
	Attached bool `json:"attached"`
}

// Registry maps window ids to owner tokens. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nowFn   func() time.Time // injectable clock for testing
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		nowFn:   time.Now,
	}
}

// Register records ownerToken as the owner of windowID, replacing any
// previous owner. It always returns true. Re-registering with the same owner
// keeps the entry attached if a live window holds it.
func (r *Registry) Register(windowID, ownerToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(windowID, ownerToken, false)
	return true
}

// Attach registers windowID to ownerToken on behalf of a live window. The
// entry is exempt from Sweep until it is removed or handed to another owner.
func (r *Registry) Attach(windowID, ownerToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(windowID, ownerToken, true)
}

func (r *Registry) register(windowID, ownerToken string, attached bool) {
	now := r.nowFn()
	if prev, ok := r.entries[windowID]; ok {
		if prev.OwnerToken != ownerToken {
			log.Printf("[windows] window %s re-registered to a new owner; previous owner revoked",
				logutil.SanitizeForLog(windowID))
		} else {
			attached = attached || prev.Attached
		}
	}
	r.entries[windowID] = &Entry{
		WindowID:     windowID,
		OwnerToken:   ownerToken,
		CreatedAt:    now,
		LastActivity: now,
		Attached:     attached,
	}
}

// Validate reports whether windowID is registered to exactly ownerToken.
// A successful check refreshes the entry's last activity.
func (r *Registry) Validate(windowID, ownerToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[windowID]
	if !ok || e.OwnerToken != ownerToken {
		return false
	}
	e.LastActivity = r.nowFn()
	return true
}

// Remove deletes windowID. Removing an unknown window is a no-op.
func (r *Registry) Remove(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, windowID)
}

// RemoveOwned deletes windowID only while ownerToken still owns it, so a
// window tearing down cannot drop a registration that moved to a new owner.
func (r *Registry) RemoveOwned(windowID, ownerToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[windowID]
	if !ok || e.OwnerToken != ownerToken {
		return false
	}
	delete(r.entries, windowID)
	return true
}

// Sweep removes every detached entry whose last activity is older than
// maxAge and returns how many were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	r.mu.Lock()
	cutoff := r.nowFn().Add(-maxAge)
	removed := 0
	for id, e := range r.entries {
		if !e.Attached && e.LastActivity.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Printf("[windows] swept %d stale window(s)", removed)
	}
	return removed
}

// Get returns a copy of the entry for windowID.
func (r *Registry) Get(windowID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[windowID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// OwnedBy returns copies of all entries owned by ownerToken, sorted by window id.
func (r *Registry) OwnedBy(ownerToken string) []Entry {
	r.mu.Lock()
	var result []Entry
	for _, e := range r.entries {
		if e.OwnerToken == ownerToken {
			result = append(result, *e)
		}
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].WindowID < result[j].WindowID })
	return result
}

// Len returns the number of registered windows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
