package geocode

import (
	"strings"
	"sync"

	"safeagent/internal/model"
)

// Overrides pins addresses the geocoder is known to get wrong. Lookups are
// case-insensitive and ignore repeated whitespace and trailing punctuation.
// A nil *Overrides is an empty table.
type Overrides struct {
	mu      sync.RWMutex
	entries map[string]model.Coordinate
}

func NewOverrides() *Overrides {
	return &Overrides{entries: make(map[string]model.Coordinate)}
}

// Set adds or replaces an entry.
func (o *Overrides) Set(address string, c model.Coordinate) {
	key := overrideKey(address)
	if key == "" {
		return
	}
	o.mu.Lock()
	o.entries[key] = c
	o.mu.Unlock()
}

// Lookup returns the pinned coordinate for address, if any.
func (o *Overrides) Lookup(address string) (model.Coordinate, bool) {
	if o == nil {
		return model.Sentinel, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.entries[overrideKey(address)]
	return c, ok
}

// Len reports the number of entries.
func (o *Overrides) Len() int {
	if o == nil {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

func overrideKey(address string) string {
	s := strings.ToLower(strings.Join(strings.Fields(address), " "))
	return strings.TrimRight(s, ".,; ")
}
