package subscribable

import "testing"

// TestUntetheredLifecycle covers testable property 6: a subscriber that
// falls behind for the window-limit timeout goes to LINGER; if
// rejoinable, after linger+resting timeouts it returns to ACTIVE at the
// current minimum subscriber position.
func TestUntetheredLifecycle(t *testing.T) {
	sb := New()

	const termWindowLength = int32(1024)
	tethered := sb.AddSubscriber(1, 10_000, true, false)
	s := sb.AddSubscriber(2, 0, false, true) // untethered, rejoinable, far behind

	const windowLimitTimeoutNs = int64(100)
	const lingerTimeoutNs = int64(100)
	const restingTimeoutNs = int64(100)

	now := int64(1000)
	trans := sb.CheckUntethered(now, 10_000, termWindowLength, windowLimitTimeoutNs, lingerTimeoutNs, restingTimeoutNs)
	if len(trans) != 0 {
		t.Fatalf("expected no transition before timeout elapses, got %v", trans)
	}

	now += windowLimitTimeoutNs + 1
	trans = sb.CheckUntethered(now, 10_000, termWindowLength, windowLimitTimeoutNs, lingerTimeoutNs, restingTimeoutNs)
	if len(trans) != 1 || trans[0].To != Linger {
		t.Fatalf("expected transition to LINGER, got %v", trans)
	}
	if s.UntetheredState() != Linger {
		t.Fatalf("subscriber state = %v, want LINGER", s.UntetheredState())
	}

	now += lingerTimeoutNs + 1
	trans = sb.CheckUntethered(now, 10_000, termWindowLength, windowLimitTimeoutNs, lingerTimeoutNs, restingTimeoutNs)
	if len(trans) != 1 || trans[0].To != Resting {
		t.Fatalf("expected transition to RESTING, got %v", trans)
	}

	now += restingTimeoutNs + 1
	trans = sb.CheckUntethered(now, 10_000, termWindowLength, windowLimitTimeoutNs, lingerTimeoutNs, restingTimeoutNs)
	if len(trans) != 1 || trans[0].To != Active {
		t.Fatalf("expected transition back to ACTIVE, got %v", trans)
	}
	if min, _ := sb.MinPosition(); trans[0].JoinPosition != min {
		t.Errorf("join position = %d, want current min %d", trans[0].JoinPosition, min)
	}
	if s.Position() != trans[0].JoinPosition {
		t.Errorf("subscriber position not updated to join position")
	}
	_ = tethered
}

func TestNonRejoinUntetheredRemoved(t *testing.T) {
	sb := New()
	sb.AddSubscriber(1, 0, false, false) // untethered, not rejoinable

	now := int64(0)
	sb.CheckUntethered(now, 10_000, 1024, 10, 10, 10)
	now += 11
	trans := sb.CheckUntethered(now, 10_000, 1024, 10, 10, 10)
	if len(trans) != 1 || trans[0].To != Linger {
		t.Fatalf("expected transition to LINGER first, got %v", trans)
	}

	now += 11
	trans = sb.CheckUntethered(now, 10_000, 1024, 10, 10, 10)
	if len(trans) != 1 || !trans[0].Removed {
		t.Fatalf("expected removal transition, got %v", trans)
	}
	if sb.Count() != 0 {
		t.Errorf("expected subscriber removed, count=%d", sb.Count())
	}
}

func TestTetheredNeverTransitions(t *testing.T) {
	sb := New()
	s := sb.AddSubscriber(1, 0, true, false)
	trans := sb.CheckUntethered(1_000_000, 10_000, 1024, 1, 1, 1)
	if len(trans) != 0 {
		t.Fatalf("tethered subscriber must never transition, got %v", trans)
	}
	if s.UntetheredState() != Active {
		t.Fatalf("tethered subscriber reports %v, want ACTIVE", s.UntetheredState())
	}
}
