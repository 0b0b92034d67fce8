package ticket

import "fmt"

// InvalidStateError is returned when a transition's target state has no
// allowed predecessor matching the ticket's current state. The store must
// never mutate the row when this is returned.
type InvalidStateError struct {
	TicketID string
	Expected []StateKind
	Actual   StateKind
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state transition for ticket %s: expected one of %v, got %s", e.TicketID, e.Expected, e.Actual)
}

// predecessors lists, for each state kind, the kinds a ticket may be
// transitioning from. A ticket in StatePending has no listed predecessor
// table entry because it's only ever the initial state.
var predecessors = map[StateKind][]StateKind{
	StateAcquiring:         {StatePending, StatePendingRetry},
	StateAcquisitionFailed: {StateAcquiring},
	StateNeedsApproval:     {StateAcquiring},
	StateAutoApproved:      {StateAcquiring},
	StateApproved:          {StateNeedsApproval},
	StateRejected:          {StateNeedsApproval},
	StateDownloading:       {StateAutoApproved, StateApproved, StateDownloading, StatePendingRetry},
	StateConverting:        {StateDownloading, StatePendingRetry, StateConverting},
	StatePlacing:           {StateConverting, StatePendingRetry, StatePlacing},
	StateCompleted:         {StatePlacing},
	StatePendingRetry:      {StateAcquiring, StateDownloading, StateConverting, StatePlacing},
	StateFailed:            {StateAcquiring, StateDownloading, StateConverting, StatePlacing, StatePendingRetry},
	StateCancelled:         {StatePending, StateNeedsApproval, StateAutoApproved, StateApproved, StateDownloading, StateConverting, StatePlacing},
}

// IsValidTransition reports whether a ticket currently in `from` may move
// to a state of kind `to`. PendingRetry's actual allowed target is its own
// recorded failed_state (checked by ValidateTransition); this function
// only checks the static predecessor table.
func IsValidTransition(from, to StateKind) bool {
	if to == StatePending {
		// Pending is only ever the initial state; never a transition target.
		return false
	}
	allowed, ok := predecessors[to]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == from {
			return true
		}
	}
	return false
}

// ValidateTransition checks current -> next against the predecessor table
// and, for the PendingRetry -> <failed_state> re-entry, that next targets
// the exact state the ticket failed out of. The one exception is a ticket
// that failed out of Placing, which re-enters at Converting because the
// pipeline always restarts from conversion.
func ValidateTransition(ticketID string, current State, next State) error {
	if current.Kind == StatePendingRetry && next.Kind == current.FailedState {
		// (a) PendingRetry -> <failed_state> re-entry is always allowed
		// regardless of the static table, since failed_state varies.
		return nil
	}
	if current.Kind == StatePendingRetry {
		switch next.Kind {
		case StateAcquiring, StateDownloading, StateConverting, StatePlacing:
			if !(current.FailedState == StatePlacing && next.Kind == StateConverting) {
				return &InvalidStateError{TicketID: ticketID, Actual: current.Kind}
			}
		}
	}
	if !IsValidTransition(current.Kind, next.Kind) {
		return &InvalidStateError{
			TicketID: ticketID,
			Expected: predecessors[next.Kind],
			Actual:   current.Kind,
		}
	}
	return nil
}
