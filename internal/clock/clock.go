// Package clock provides a testable source of wall-clock time for the
// atime/mtime/ctime fields written into inodes and for the monotonic
// access timestamps the block and inode cache use for LRU eviction.
package clock

import "time"

// Clock is implemented by RealClock, FakeClock, and SimulatedClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}
