package vprof

import "testing"

func TestEpochOffsetExactClock(t *testing.T) {
	// Monotonic clock frozen at 1000, epoch at 5000: the very first probe
	// has zero uncertainty and the loop must break on it.
	calls := 0
	now := func() int64 { calls++; return 1000 }
	epoch := func() int64 { return 5000 }

	offset := epochOffsetMicros(now, epoch)
	if offset != 4000 {
		t.Errorf("offset = %d, want 4000", offset)
	}
	if calls != 2 {
		t.Errorf("monotonic clock read %d times, want 2", calls)
	}
}

func TestEpochOffsetPicksSmallestUncertainty(t *testing.T) {
	// Three probes with brackets 10, 2 and 4 wide, then a frozen probe with
	// a zero-wide bracket that wins and ends the loop. The epoch clock runs
	// exactly 1_000_000 ahead at the midpoint of the 2-wide bracket and of
	// the frozen probe, and is skewed on the 10- and 4-wide brackets, so
	// picking either of those fails the test.
	monotonic := []int64{100, 110, 200, 202, 300, 304, 400, 400}
	es := []int64{1_000_999, 1_000_201, 1_000_999, 1_000_400}

	ni, ei := 0, 0
	now := func() int64 {
		v := monotonic[ni]
		ni++
		return v
	}
	epoch := func() int64 {
		v := es[ei]
		ei++
		return v
	}

	if offset := epochOffsetMicros(now, epoch); offset != 1_000_000 {
		t.Errorf("offset = %d, want 1000000", offset)
	}
}

func TestEpochOffsetMidpointNoOverflow(t *testing.T) {
	const big = int64(1) << 62
	now := func() int64 { return big }
	epoch := func() int64 { return big + 7 }
	if offset := epochOffsetMicros(now, epoch); offset != 7 {
		t.Errorf("offset = %d, want 7", offset)
	}
}
