package ticket

import (
	"testing"
	"time"
)

func TestIsValidTransition_AllowedPredecessors(t *testing.T) {
	cases := []struct {
		name string
		from StateKind
		to   StateKind
		want bool
	}{
		{"pending to acquiring", StatePending, StateAcquiring, true},
		{"pending_retry to acquiring", StatePendingRetry, StateAcquiring, true},
		{"acquiring to acquisition_failed", StateAcquiring, StateAcquisitionFailed, true},
		{"acquiring to needs_approval", StateAcquiring, StateNeedsApproval, true},
		{"acquiring to auto_approved", StateAcquiring, StateAutoApproved, true},
		{"needs_approval to approved", StateNeedsApproval, StateApproved, true},
		{"needs_approval to rejected", StateNeedsApproval, StateRejected, true},
		{"auto_approved to downloading", StateAutoApproved, StateDownloading, true},
		{"approved to downloading", StateApproved, StateDownloading, true},
		{"downloading to downloading (failover)", StateDownloading, StateDownloading, true},
		{"downloading to converting", StateDownloading, StateConverting, true},
		{"converting to placing", StateConverting, StatePlacing, true},
		{"placing to completed", StatePlacing, StateCompleted, true},
		{"placing to placing (re-entry guard)", StatePlacing, StatePlacing, true},

		{"pending is never a target", StateAcquiring, StatePending, false},
		{"completed cannot go to downloading", StateCompleted, StateDownloading, false},
		{"needs_approval cannot skip to downloading", StateNeedsApproval, StateDownloading, false},
		{"acquiring cannot jump to completed", StateAcquiring, StateCompleted, false},
		{"rejected is terminal, no outgoing transition modeled", StateRejected, StateAcquiring, false},
		{"cancelled from placing", StatePlacing, StateCancelled, true},
		{"cancelled from pending", StatePending, StateCancelled, true},
		{"cancelled cannot originate from completed", StateCompleted, StateCancelled, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsValidTransition(c.from, c.to); got != c.want {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
			}
		})
	}
}

func TestValidateTransition_PendingRetryReentryMatchesFailedState(t *testing.T) {
	current := PendingRetry(StateDownloading, "stalled", time.Now(), 1)

	// Re-entering the exact stage it failed out of is allowed regardless
	// of the static predecessor table.
	if err := ValidateTransition("t1", current, Downloading(ScoredCandidateSummary{}, "abc", 0, time.Now(), nil)); err != nil {
		t.Fatalf("expected PendingRetry -> Downloading re-entry to be valid, got %v", err)
	}

	// Re-entering a *different* stage than the one it failed out of is not.
	if err := ValidateTransition("t1", current, Converting(0, 1)); err == nil {
		t.Fatal("expected PendingRetry{failed_state: downloading} -> Converting to be rejected")
	}
}

func TestValidateTransition_IllegalTransitionReturnsInvalidStateError(t *testing.T) {
	current := Pending()
	err := ValidateTransition("t1", current, Completed(nil, 0))
	if err == nil {
		t.Fatal("expected error for Pending -> Completed")
	}
	var invalid *InvalidStateError
	if !asInvalidState(err, &invalid) {
		t.Fatalf("expected *InvalidStateError, got %T: %v", err, err)
	}
	if invalid.Actual != StatePending {
		t.Errorf("Actual = %s, want %s", invalid.Actual, StatePending)
	}
}

func asInvalidState(err error, target **InvalidStateError) bool {
	e, ok := err.(*InvalidStateError)
	if ok {
		*target = e
	}
	return ok
}

func TestValidateTransition_ValidTransitionReturnsNoError(t *testing.T) {
	current := Acquiring(time.Now())
	if err := ValidateTransition("t1", current, NeedsApproval(nil)); err != nil {
		t.Fatalf("expected Acquiring -> NeedsApproval to be valid, got %v", err)
	}
}
