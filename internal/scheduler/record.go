package scheduler

import (
	"sync"
	"time"

	"github.com/wikimedia/operations-software-certcentral/internal/config"
	"github.com/wikimedia/operations-software-certcentral/internal/store"
)

// PendingOrder tracks the in-flight ACME order for a record that has left
// INITIAL/SELF_SIGNED but has not yet reached LIVE or a terminal failure.
// It is held in memory only: nothing persists it, so after a restart the
// record starts again from the state its published material implies (see
// Scheduler.loadRecords) and places a new order instead of resuming this
// one.
type PendingOrder struct {
	OrderURL      string
	FinalizeURL   string
	AuthzURLs     []string
	CSRDER        []byte
	PrivateKeyPEM []byte
}

// Record is the scheduler's unit of work: one certificate, tracked from
// its first self-signed placeholder through every renewal for the life
// of the daemon (spec.md §3, §4.5).
type Record struct {
	mu sync.Mutex

	Spec config.CertSpec

	State          State
	CurrentMeta    *store.Meta
	Pending        *PendingOrder
	LastTransition time.Time

	// ConsecutiveFailures and NextAttempt implement the backoff schedule
	// of spec.md §4.5: base 30s, doubling, capped at 1h, ±20% jitter,
	// reset to zero on any successful transition.
	ConsecutiveFailures int
	NextAttempt         time.Time

	// index is maintained by the priority queue (container/heap requires
	// the element to know its own position for O(log n) fix-ups).
	index int
}

// NewRecord creates a record in its startup state: INITIAL if no
// material is on disk yet, otherwise derived from the store's Meta by
// the caller (see Scheduler.loadRecords).
func NewRecord(spec config.CertSpec) *Record {
	return &Record{
		Spec:           spec,
		State:          Initial,
		LastTransition: time.Time{},
	}
}

func (r *Record) snapshot() (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State, r.ConsecutiveFailures
}

func (r *Record) transition(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = to
	r.LastTransition = time.Now()
}

// recordFailure applies the backoff schedule and returns the next
// deadline. Callers hold no lock; recordFailure takes it internally.
func (r *Record) recordFailure(base, cap time.Duration, jitter func(time.Duration) time.Duration) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConsecutiveFailures++
	delay := base << uint(min(r.ConsecutiveFailures-1, 30))
	if delay > cap || delay <= 0 {
		delay = cap
	}
	delay = jitter(delay)
	r.NextAttempt = time.Now().Add(delay)
	return r.NextAttempt
}

func (r *Record) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConsecutiveFailures = 0
	r.NextAttempt = time.Time{}
}

// resetFailures clears the backoff failure counter without touching
// NextAttempt. checkRenewal already parks a LIVE record's NextAttempt at its
// renewal deadline; recordSuccess would zero that back to "due now" and turn
// every parked tick into a busy loop.
func (r *Record) resetFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConsecutiveFailures = 0
}

// renewalDeadline computes when this record's current LIVE certificate
// should be renewed: not_before + (not_after-not_before)*ratio, per
// spec.md §4.5 and invariant 4 of §8.
func (r *Record) renewalDeadline(ratio float64) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CurrentMeta == nil {
		return time.Time{}
	}
	lifetime := r.CurrentMeta.NotAfter.Sub(r.CurrentMeta.NotBefore)
	return r.CurrentMeta.NotBefore.Add(time.Duration(float64(lifetime) * ratio))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
