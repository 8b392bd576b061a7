package commands

import "sync"

// Tracker maps issued command ids to the relay key they address. Only
// issuance inserts and only acknowledgment processing deletes.
type Tracker struct {
	mu      sync.Mutex
	pending map[int64]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: map[int64]string{}}
}

// Track records that command id targets relayKey.
func (t *Tracker) Track(id int64, relayKey string) {
	t.mu.Lock()
	t.pending[id] = relayKey
	t.mu.Unlock()
}

// Forget drops id and returns the relay key it pointed to.
func (t *Tracker) Forget(id int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.pending[id]
	delete(t.pending, id)
	return key, ok
}

// Lookup returns the relay key of a tracked command.
func (t *Tracker) Lookup(id int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.pending[id]
	return key, ok
}

// Len is the number of unacknowledged commands.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IDs returns the tracked command ids in no particular order.
func (t *Tracker) IDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	return out
}
