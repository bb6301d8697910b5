package coordinator

import (
	"sync"

	"github.com/fruitsalade/fileprovider/internal/item"
)

// Listing collects the items produced by ListChildren. Items appended before
// a failure stay visible.
type Listing struct {
	mu    sync.Mutex
	items []item.Item
}

// Append adds it to the listing.
func (l *Listing) Append(it item.Item) {
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
}

// Items returns a copy of the collected items.
func (l *Listing) Items() []item.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]item.Item, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of collected items.
func (l *Listing) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
