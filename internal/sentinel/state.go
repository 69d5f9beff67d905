package sentinel

import (
	"fmt"
	"time"
)

// DefaultMaxAttempts is the total number of processing attempts an item gets
// before its next failure becomes terminal.
const DefaultMaxAttempts = 3

// transitions enumerates the legal item state machine edges. PENDING doubles
// as the retry-resting state: a failed attempt returns there until the
// attempt budget is exhausted.
var transitions = map[ItemStatus]map[ItemStatus]struct{}{
	StatusPending: {
		StatusFetched: {},
		StatusFailed:  {},
	},
	StatusFetched: {
		StatusClassified: {},
		StatusPending:    {},
		StatusFailed:     {},
	},
	StatusClassified: {
		StatusHandedOff: {},
		StatusPending:   {},
		StatusFailed:    {},
	},
}

// Advance moves the item to the given status, stamping the transition time
// on the relevant field. It rejects edges outside the state machine.
func (it *Item) Advance(to ItemStatus, now time.Time) error {
	allowed, ok := transitions[it.Status]
	if !ok {
		return fmt.Errorf("item %s: no transitions from terminal state %s", it.ID, it.Status)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("item %s: illegal transition %s -> %s", it.ID, it.Status, to)
	}
	switch to {
	case StatusFetched:
		ts := now
		it.FetchedAt = &ts
	case StatusClassified:
		ts := now
		it.ClassifiedAt = &ts
	}
	it.Status = to
	return nil
}

// ApplyFailure records one failed fetch or classification attempt. While the
// attempt budget lasts the item returns to PENDING with an incremented retry
// count; the failure that exhausts the budget is terminal. Applying a failure
// to an already-terminal item is a no-op, which keeps redelivered outcomes
// idempotent.
func (it *Item) ApplyFailure(reason string, maxAttempts int) ItemStatus {
	if it.Status.Terminal() {
		return it.Status
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	it.RetryCount++
	it.LastError = reason
	if it.RetryCount >= maxAttempts {
		it.Status = StatusFailed
	} else {
		it.Status = StatusPending
	}
	return it.Status
}

// FailTerminal moves the item directly to FAILED, bypassing the retry budget.
// Used for parse and empty-content outcomes that retrying cannot improve.
func (it *Item) FailTerminal(reason string) {
	if it.Status.Terminal() {
		return
	}
	it.LastError = reason
	it.Status = StatusFailed
}
