package dashboard

import "sync"

// Hub fans snapshots out to a dynamic set of subscribers.
// Subscribers only ever see the latest state: a slow subscriber loses intermediate snapshots rather than blocking Publish.
type Hub struct {
	m      sync.Mutex
	subs   map[chan Snapshot]struct{}
	latest *Snapshot
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Snapshot]struct{}{}}
}

// Subscribe returns a channel of snapshots and a function that removes the subscription.
// The latest snapshot, if any, is delivered immediately.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	h.m.Lock()
	defer h.m.Unlock()

	ch := make(chan Snapshot, 1)
	if h.latest != nil {
		ch <- *h.latest
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.m.Lock()
			defer h.m.Unlock()
			delete(h.subs, ch)
			close(ch)
		})
	}
}

// Publish delivers s to every subscriber if it differs from the latest snapshot.
// It reports whether s was delivered.
func (h *Hub) Publish(s Snapshot) bool {
	h.m.Lock()
	defer h.m.Unlock()

	if h.latest != nil && h.latest.Same(s) {
		return false
	}
	h.latest = &s
	for ch := range h.subs {
		// replace a snapshot the subscriber has not picked up yet
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

// Latest returns the most recently published snapshot.
func (h *Hub) Latest() (Snapshot, bool) {
	h.m.Lock()
	defer h.m.Unlock()
	if h.latest == nil {
		return Snapshot{}, false
	}
	return *h.latest, true
}
