package registry

import "sync"

// Entry binds an image tag to the digest it was committed with. Tags are
// only recorded for builds that completed every step; a failed build never
// produces an entry.
type Entry struct {
	Tag        string
	Digest     string
	LayoutPath string
}

// TagStore is a threadsafe in-memory tag registry.
type TagStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty tag store.
func New() *TagStore {
	return &TagStore{entries: map[string]Entry{}}
}

// Set stores or replaces the entry for a tag.
func (r *TagStore) Set(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Tag] = entry
}

// Get retrieves the entry for a tag and whether it exists.
func (r *TagStore) Get(tag string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[tag]
	return entry, ok
}

// List returns all recorded entries.
func (r *TagStore) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
