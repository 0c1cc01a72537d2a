package event

import (
	"sync/atomic"
	"time"
)

// logicalClock is seeded once at process start and only ever incremented,
// giving every Event.Timestamp a value that is monotonic within this
// process — and explicitly unrelated to wall-clock time, so it can never
// be used (by construction, not just convention) for scheduling or lease
// expiry. Lease deadlines use their own clock (see lease.Clock).
var logicalClock = func() *atomic.Int64 {
	c := &atomic.Int64{}
	c.Store(time.Now().UnixNano())
	return c
}()

// NextLogicalTime returns a value strictly greater than every value this
// process has returned before.
func NextLogicalTime() int64 {
	return logicalClock.Add(1)
}
