package broker

import "sync"

// Stash keys written by chooser nodes
const (
	StashImages  = "images"
	StashLatents = "latents"
	StashMasks   = "masks"
	StashSegs    = "segs"
)

// StashEntry holds batch inputs for one node within a run generation so a
// later invocation can re-present them without upstream work. Values are
// shared with whoever stored them and must be treated as read-only until
// overwritten.
type StashEntry struct {
	mu     sync.RWMutex
	values map[string]any
}

func newStashEntry() *StashEntry {
	return &StashEntry{values: make(map[string]any)}
}

// Set stores v under key. A nil v records that the input was absent.
func (e *StashEntry) Set(key string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = v
}

// Get returns the value under key
func (e *StashEntry) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// Has reports whether key holds a non-nil value
func (e *StashEntry) Has(key string) bool {
	v, ok := e.Get(key)
	return ok && v != nil
}

// Delete removes key
func (e *StashEntry) Delete(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.values, key)
}

// Len returns the number of stored keys
func (e *StashEntry) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.values)
}
