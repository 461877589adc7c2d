// Package dedup implements a bounded filter of recently seen messages.
//
// The filter is approximate: once an entry is pushed out by pruning, the same
// bytes are treated as new again.
package dedup

import (
	"errors"
	"sync"
)

const (
	// DefaultMaxEntries is the size at which the cache gets pruned.
	DefaultMaxEntries = 1000
	// DefaultMinEntries is the size the cache is pruned down to.
	DefaultMinEntries = 100
)

// ErrEntryLimits is returned when the cache would be pruned to its own size or above.
var ErrEntryLimits = errors.New("dedup: min_entries must be less than max_entries")

// Filter remembers byte sequences in insertion order.
type Filter struct {
	mu sync.Mutex

	seen map[string]struct{}
	// Keys in insertion order, oldest first.
	order []string

	maxEntries int
	minEntries int
}

// New creates a Filter. minEntries must be smaller than maxEntries.
func New(maxEntries, minEntries int) (*Filter, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if minEntries < 0 {
		minEntries = DefaultMinEntries
	}
	if minEntries >= maxEntries {
		return nil, ErrEntryLimits
	}

	return &Filter{
		seen:       make(map[string]struct{}, maxEntries+1),
		order:      make([]string, 0, maxEntries+1),
		maxEntries: maxEntries,
		minEntries: minEntries,
	}, nil
}

// ShouldProcess returns true the first time the given bytes are seen, false on any
// subsequent call while the entry remains cached.
func (f *Filter) ShouldProcess(msg []byte) bool {
	key := string(msg)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[key]; ok {
		return false
	}

	f.seen[key] = struct{}{}
	f.order = append(f.order, key)
	f.prune()

	return true
}

// Len returns the number of cached entries.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// keys returns cached entries, oldest first.
func (f *Filter) keys() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([][]byte, 0, len(f.order))
	for _, k := range f.order {
		keys = append(keys, []byte(k))
	}
	return keys
}

// prune evicts the oldest entries in one pass once the cache is over the limit.
func (f *Filter) prune() {
	if len(f.order) <= f.maxEntries {
		return
	}

	excess := len(f.order) - f.minEntries
	for _, k := range f.order[:excess] {
		delete(f.seen, k)
	}

	// Copy the survivors so the evicted keys can be collected.
	live := make([]string, f.minEntries, f.maxEntries+1)
	copy(live, f.order[excess:])
	f.order = live
}
