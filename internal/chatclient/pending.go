package chatclient

import "time"

// Pending is a sent message awaiting acknowledgement.
type Pending struct {
	TempID  string
	Text    string
	SentAt  time.Time
	Retries int
}

// PendingTracker tracks sends until the relay acknowledges or echoes them.
// It holds no timers; callers pass the current time.
type PendingTracker struct {
	resendAfter time.Duration
	maxRetries  int
	entries     map[string]*Pending
	order       []string
}

// NewPendingTracker creates a tracker.
func NewPendingTracker(resendAfter time.Duration, maxRetries int) *PendingTracker {
	return &PendingTracker{
		resendAfter: resendAfter,
		maxRetries:  maxRetries,
		entries:     make(map[string]*Pending),
	}
}

// Track starts tracking a send made at now.
func (t *PendingTracker) Track(tempID, text string, now time.Time) {
	if _, ok := t.entries[tempID]; ok {
		return
	}
	t.entries[tempID] = &Pending{TempID: tempID, Text: text, SentAt: now}
	t.order = append(t.order, tempID)
}

// Resolve stops tracking tempID. It reports true only for the first
// resolution, so an ack and an echo of the same message resolve it once.
func (t *PendingTracker) Resolve(tempID string) (Pending, bool) {
	p, ok := t.entries[tempID]
	if !ok {
		return Pending{}, false
	}
	delete(t.entries, tempID)
	t.compact()
	return *p, true
}

// Get returns the tracked entry for tempID.
func (t *PendingTracker) Get(tempID string) (Pending, bool) {
	p, ok := t.entries[tempID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Len returns the number of tracked sends.
func (t *PendingTracker) Len() int {
	return len(t.entries)
}

// Due returns entries older than resendAfter*(retries+1). Entries with
// retries left are returned in resend with their count incremented;
// the rest are dropped and returned in failed. Both are in send order.
func (t *PendingTracker) Due(now time.Time) (resend, failed []Pending) {
	for _, id := range t.order {
		p, ok := t.entries[id]
		if !ok {
			continue
		}
		if now.Sub(p.SentAt) < t.resendAfter*time.Duration(p.Retries+1) {
			continue
		}
		if p.Retries >= t.maxRetries {
			failed = append(failed, *p)
			delete(t.entries, id)
			continue
		}
		p.Retries++
		resend = append(resend, *p)
	}
	if len(failed) > 0 {
		t.compact()
	}
	return resend, failed
}

func (t *PendingTracker) compact() {
	kept := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	t.order = kept
}

// Outbox holds messages composed while disconnected. When full, the
// oldest is dropped.
type Outbox struct {
	capacity int
	items    []Pending
}

// NewOutbox creates an outbox.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 100
	}
	return &Outbox{capacity: capacity}
}

// Push appends p and returns the entry it displaced, if any.
func (o *Outbox) Push(p Pending) (Pending, bool) {
	var dropped Pending
	full := len(o.items) >= o.capacity
	if full {
		dropped = o.items[0]
		o.items = o.items[1:]
	}
	o.items = append(o.items, p)
	return dropped, full
}

// Drain returns and clears the queued entries in enqueue order.
func (o *Outbox) Drain() []Pending {
	out := o.items
	o.items = nil
	return out
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	return len(o.items)
}

// recentSet remembers the last n keys.
type recentSet struct {
	n    int
	keys map[string]struct{}
	ring []string
}

func newRecentSet(n int) *recentSet {
	return &recentSet{n: n, keys: make(map[string]struct{}, n)}
}

func (r *recentSet) add(k string) {
	if k == "" {
		return
	}
	if _, ok := r.keys[k]; ok {
		return
	}
	if len(r.ring) >= r.n {
		delete(r.keys, r.ring[0])
		r.ring = r.ring[1:]
	}
	r.keys[k] = struct{}{}
	r.ring = append(r.ring, k)
}

func (r *recentSet) has(k string) bool {
	_, ok := r.keys[k]
	return ok
}
