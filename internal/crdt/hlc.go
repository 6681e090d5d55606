package crdt

import (
	"fmt"
	"sync"
	"time"
)

const counterBits = 16

// Timestamp is a hybrid logical timestamp. The upper 48 bits carry
// milliseconds since the Unix epoch, the lower 16 bits a logical counter,
// so comparing raw values orders events by wall time first and by causal
// counter within the same millisecond.
type Timestamp int64

// NewTimestamp packs wall-clock milliseconds and a logical counter.
func NewTimestamp(wallMillis int64, counter uint16) Timestamp {
	return Timestamp(wallMillis<<counterBits | int64(counter))
}

// WallMillis returns the physical-time component in milliseconds.
func (ts Timestamp) WallMillis() int64 {
	return int64(ts) >> counterBits
}

// Counter returns the logical counter component.
func (ts Timestamp) Counter() uint16 {
	return uint16(int64(ts) & ((1 << counterBits) - 1))
}

// Time converts the physical-time component to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(ts.WallMillis())
}

// Int64 exposes the packed representation for storage.
func (ts Timestamp) Int64() int64 {
	return int64(ts)
}

// String renders the timestamp as wall-millis.counter.
func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%d", ts.WallMillis(), ts.Counter())
}

// Clock is a hybrid logical clock owned by one replica. Timestamps it
// issues never go backward and stay causally ahead of every remote
// timestamp merged into it. Safe for concurrent use.
type Clock struct {
	mu         sync.Mutex
	wall       func() time.Time
	lastMillis int64
	counter    uint16
}

// ClockConfig describes the inputs for a Clock.
type ClockConfig struct {
	// Wall supplies physical time; defaults to time.Now.
	Wall func() time.Time
}

// NewClock constructs a Clock.
func NewClock(cfg ClockConfig) *Clock {
	wall := cfg.Wall
	if wall == nil {
		wall = time.Now
	}
	return &Clock{wall: wall}
}

// Now issues a timestamp for a local event. Monotonically increasing.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.wall().UnixMilli()
	if physical > c.lastMillis {
		c.lastMillis = physical
		c.counter = 0
	} else {
		c.bumpCounterLocked()
	}
	return NewTimestamp(c.lastMillis, c.counter)
}

// Update merges a remote timestamp so the clock stays causally ahead of
// all observed remote activity. Returns the advanced local timestamp.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.wall().UnixMilli()
	remoteMillis := remote.WallMillis()
	remoteCounter := remote.Counter()

	switch {
	case physical > c.lastMillis && physical > remoteMillis:
		c.lastMillis = physical
		c.counter = 0
	case c.lastMillis > remoteMillis:
		c.bumpCounterLocked()
	case remoteMillis > c.lastMillis:
		c.lastMillis = remoteMillis
		c.counter = remoteCounter
		c.bumpCounterLocked()
	default:
		if remoteCounter > c.counter {
			c.counter = remoteCounter
		}
		c.bumpCounterLocked()
	}
	return NewTimestamp(c.lastMillis, c.counter)
}

// bumpCounterLocked increments the counter, spilling into the millisecond
// component on overflow. Caller holds mu.
func (c *Clock) bumpCounterLocked() {
	c.counter++
	if c.counter == 0 {
		c.lastMillis++
	}
}
