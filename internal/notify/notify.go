// Package notify is the in-process "appointments changed" signal.
package notify

import "sync"

// Kind tells subscribers what changed.
type Kind string

const (
	// KindSynced follows a reconcile pass that imported, updated or deleted.
	KindSynced Kind = "synced"
	// KindGeocoded follows a resolved address.
	KindGeocoded Kind = "geocoded"
	// KindCreated follows a manually created appointment.
	KindCreated Kind = "created"
)

// Change carries counts for KindSynced and the appointment for the others.
// Subscribers re-read the store for details.
type Change struct {
	Kind     Kind
	Imported int
	Updated  int
	Deleted  int
	LocalID  string
}

// Bus fans each Change out to every subscriber through a buffered channel.
// Publish never blocks: a subscriber whose buffer is full misses the change.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Change)}
}

// Subscribe returns a channel of changes and a function that unsubscribes
// and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber with room and reports how many
// received it. A nil Bus drops everything.
func (b *Bus) Publish(c Change) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- c:
			delivered++
		default:
		}
	}
	return delivered
}
