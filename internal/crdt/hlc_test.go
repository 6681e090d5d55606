package crdt

import (
	"testing"
	"time"
)

func fixedWall(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis)
	}
}

func TestClockNowIsMonotonicWithinSameMillisecond(t *testing.T) {
	clock := NewClock(ClockConfig{Wall: fixedWall(1_700_000_000_000)})

	previous := clock.Now()
	for i := 0; i < 100; i++ {
		next := clock.Now()
		if next <= previous {
			t.Fatalf("expected strictly increasing timestamps, got %v then %v", previous, next)
		}
		previous = next
	}
}

func TestClockNowAdoptsAdvancedWallClock(t *testing.T) {
	millis := int64(1_700_000_000_000)
	clock := NewClock(ClockConfig{Wall: func() time.Time { return time.UnixMilli(millis) }})

	first := clock.Now()
	millis += 25
	second := clock.Now()

	if second.WallMillis() != millis {
		t.Fatalf("expected wall component %d, got %d", millis, second.WallMillis())
	}
	if second.Counter() != 0 {
		t.Fatalf("expected counter reset on wall advance, got %d", second.Counter())
	}
	if second <= first {
		t.Fatalf("expected %v > %v", second, first)
	}
}

func TestClockUpdateAdvancesPastRemote(t *testing.T) {
	clock := NewClock(ClockConfig{Wall: fixedWall(1_700_000_000_000)})

	remote := NewTimestamp(1_700_000_000_500, 7)
	merged := clock.Update(remote)

	if merged <= remote {
		t.Fatalf("expected merged timestamp %v to exceed remote %v", merged, remote)
	}
	if next := clock.Now(); next <= merged {
		t.Fatalf("expected local clock to stay ahead after merge, got %v then %v", merged, next)
	}
}

func TestClockUpdateIgnoresStaleRemote(t *testing.T) {
	clock := NewClock(ClockConfig{Wall: fixedWall(1_700_000_000_000)})
	local := clock.Now()

	remote := NewTimestamp(1_600_000_000_000, 3)
	merged := clock.Update(remote)

	if merged <= local {
		t.Fatalf("expected clock to keep advancing, got %v after %v", merged, local)
	}
	if merged.WallMillis() != local.WallMillis() {
		t.Fatalf("expected wall component to hold at %d, got %d", local.WallMillis(), merged.WallMillis())
	}
}

func TestClockUpdateTakesMaxCounterOnEqualWall(t *testing.T) {
	clock := NewClock(ClockConfig{Wall: fixedWall(1_700_000_000_000)})
	clock.Now()

	remote := NewTimestamp(1_700_000_000_000, 40)
	merged := clock.Update(remote)

	if merged.Counter() != 41 {
		t.Fatalf("expected counter 41 after merging counter 40, got %d", merged.Counter())
	}
}

func TestTimestampPackUnpack(t *testing.T) {
	ts := NewTimestamp(1_700_000_000_123, 65535)
	if ts.WallMillis() != 1_700_000_000_123 {
		t.Fatalf("expected wall 1700000000123, got %d", ts.WallMillis())
	}
	if ts.Counter() != 65535 {
		t.Fatalf("expected counter 65535, got %d", ts.Counter())
	}
	if !ts.Time().Equal(time.UnixMilli(1_700_000_000_123)) {
		t.Fatalf("expected time conversion to match wall component")
	}
}

func TestTimestampOrderingFollowsWallThenCounter(t *testing.T) {
	earlierWall := NewTimestamp(100, 500)
	laterWall := NewTimestamp(101, 0)
	if earlierWall >= laterWall {
		t.Fatalf("expected wall component to dominate ordering")
	}

	lowCounter := NewTimestamp(100, 1)
	highCounter := NewTimestamp(100, 2)
	if lowCounter >= highCounter {
		t.Fatalf("expected counter to break ties within a millisecond")
	}
}
