package resolver

import (
	"math/rand"
	"time"
)

// MaxOutstanding is the hard cap on simultaneously outstanding queries,
// imposed by the 16-bit transaction ID space. Past this cap, allocation
// fails and the caller must treat the resolution as failed rather than
// busy-loop looking for a free ID (spec.md §9).
const MaxOutstanding = 65536

// entry is one outstanding query: who asked, and when, so the sweep can
// time it out.
type entry[T any] struct {
	owner       T
	submittedAt time.Time
}

// Tracker maps 16-bit DNS transaction IDs to the session-shaped value that
// submitted the query. T is generic so this package has no dependency on
// the proxy package's Session type.
type Tracker[T any] struct {
	entries map[uint16]entry[T]
	rng     *rand.Rand
}

// NewTracker returns an empty Tracker.
func NewTracker[T any]() *Tracker[T] {
	return &Tracker[T]{
		entries: make(map[uint16]entry[T]),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len reports the number of outstanding queries.
func (t *Tracker[T]) Len() int { return len(t.entries) }

// Allocate picks a 16-bit ID not currently in use, records owner against
// it with submittedAt as its submission time, and returns the ID. It
// returns ok == false without mutating the tracker if MaxOutstanding
// entries are already outstanding.
//
// The retry loop draws random IDs until it hits a free one and has no
// attempt limit. At 50% occupancy it needs two guesses on average; the
// only cap is MaxOutstanding, the whole 16-bit ID space, so the expected
// number of guesses keeps growing as occupancy approaches it.
func (t *Tracker[T]) Allocate(owner T, submittedAt time.Time) (id uint16, ok bool) {
	if len(t.entries) >= MaxOutstanding {
		return 0, false
	}
	for {
		id = uint16(t.rng.Intn(1 << 16))
		if _, exists := t.entries[id]; !exists {
			t.entries[id] = entry[T]{owner: owner, submittedAt: submittedAt}
			return id, true
		}
	}
}

// Take removes and returns the owner registered against id, if any. Used
// both for a matched UDP response and for an explicit cancellation.
func (t *Tracker[T]) Take(id uint16) (owner T, ok bool) {
	e, exists := t.entries[id]
	if !exists {
		var zero T
		return zero, false
	}
	delete(t.entries, id)
	return e.owner, true
}

// Sweep removes and returns the owners of every entry submitted more than
// timeout before now, in no particular order.
func (t *Tracker[T]) Sweep(now time.Time, timeout time.Duration) []T {
	var expired []T
	for id, e := range t.entries {
		if now.Sub(e.submittedAt) > timeout {
			expired = append(expired, e.owner)
			delete(t.entries, id)
		}
	}
	return expired
}
