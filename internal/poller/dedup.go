package poller

import "sync"

// Deduplicator remembers the last published state and decides whether a
// newly observed state is worth publishing.
type Deduplicator[S any] struct {
	mu    sync.Mutex
	equal func(a, b S) bool
	last  *S
}

// NewDeduplicator uses equal to compare two non-nil states. equal should
// only look at identity-bearing fields; timestamps belong outside it.
func NewDeduplicator[S any](equal func(a, b S) bool) *Deduplicator[S] {
	return &Deduplicator[S]{equal: equal}
}

// Apply compares next with the published state. On a change, next becomes
// the published state before Apply returns, so the caller publishes
// afterwards and a failed publish is not retried on the next tick.
func (d *Deduplicator[S]) Apply(next *S) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.last == nil && next == nil:
		return false
	case d.last != nil && next != nil && d.equal(*d.last, *next):
		return false
	}

	d.last = next
	return true
}

// Reset forgets the published state. Reports whether there was one.
func (d *Deduplicator[S]) Reset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	had := d.last != nil
	d.last = nil
	return had
}

// Last returns the published state, nil if none
func (d *Deduplicator[S]) Last() *S {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
