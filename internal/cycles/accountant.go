// Package cycles keeps the completed-cycle timestamps of one symbol and
// answers trailing-window counts over them.
package cycles

import "time"

// WarmUp is the minimum runtime before any windowed count is reported.
const WarmUp = 60 * time.Second

// Window is the result of a windowed count. Span is the effective window
// length: the elapsed runtime until the nominal window has passed.
type Window struct {
	Count int
	Span  time.Duration
}

// Accountant is an append-only, time-ascending queue of cycle events.
// It is owned by a single writer.
type Accountant struct {
	createdAt time.Time
	events    []time.Time
	head      int // events[:head] have been evicted
}

func NewAccountant(createdAt time.Time) *Accountant {
	return &Accountant{createdAt: createdAt}
}

// CreatedAt returns the symbol creation time the warm-up is measured from.
func (a *Accountant) CreatedAt() time.Time { return a.createdAt }

// Len is the number of events currently held.
func (a *Accountant) Len() int { return len(a.events) - a.head }

// RecordIfAdvanced appends one event when newCount > oldCount. Cycles
// advance by at most one per fill, so one event per call is enough.
func (a *Accountant) RecordIfAdvanced(oldCount, newCount int, now time.Time) bool {
	if newCount <= oldCount {
		return false
	}
	if n := len(a.events); n > a.head && now.Before(a.events[n-1]) {
		now = a.events[n-1]
	}
	a.events = append(a.events, now)
	return true
}

// WindowedCount prunes events older than now-window and returns what is
// left. Under WarmUp the count is zero; before a full window has elapsed
// nothing is pruned and the span is the elapsed runtime.
func (a *Accountant) WindowedCount(now time.Time, window time.Duration) Window {
	elapsed := now.Sub(a.createdAt)
	if elapsed < WarmUp {
		return Window{Span: max(elapsed, 0)}
	}
	if elapsed < window {
		return Window{Count: a.Len(), Span: elapsed}
	}

	cutoff := now.Add(-window)
	for a.head < len(a.events) && a.events[a.head].Before(cutoff) {
		a.events[a.head] = time.Time{}
		a.head++
	}
	a.compact()
	return Window{Count: a.Len(), Span: window}
}

// RecentCount counts events within the last d without evicting anything.
func (a *Accountant) RecentCount(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	n := 0
	for i := len(a.events) - 1; i >= a.head; i-- {
		if a.events[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// compact drops the evicted prefix once it dominates the backing array.
func (a *Accountant) compact() {
	if a.head == 0 || a.head < len(a.events)/2 {
		return
	}
	live := copy(a.events, a.events[a.head:])
	clear(a.events[live:])
	a.events = a.events[:live]
	a.head = 0
}
