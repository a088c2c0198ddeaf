// Package clock provides the monotonic and wall-clock sources used across
// the capture engine (spec.md C2). Every component that needs "now" takes
// a Clock instead of calling time.Now() directly, so tests can advance
// time deterministically — the same seam the teacher keeps around
// time.Now() in internal/escalation/state_machine.go.
package clock

import "time"

// Clock is the timing source used by every component that needs "now".
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// MonotonicNs returns a monotonically increasing nanosecond counter.
	// Not comparable across process restarts; only used for ordering and
	// duration math within one process lifetime.
	MonotonicNs() int64
}

// offsetPlusEight is the fixed +08:00 offset spec.md §6 mandates for all
// response timestamps.
const offsetPlusEight = 8 * 60 * 60

// FormatISO8601PlusEight formats t as an ISO-8601 timestamp carrying a
// fixed +08:00 offset, regardless of the input's own location.
func FormatISO8601PlusEight(t time.Time) string {
	loc := time.FixedZone("+08:00", offsetPlusEight)
	return t.In(loc).Format("2006-01-02T15:04:05.000+08:00")
}

// System is the real Clock backed by the Go runtime.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// MonotonicNs implements Clock as the time elapsed since process start,
// measured with time.Since: Go's time.Time carries a monotonic reading
// internally for any value produced by time.Now(), and subtracting two
// such values uses it automatically. Exposing a plain
// int64 nanosecond counter keeps callers (state history, event sequence
// timestamps) free of time.Time's monotonic/wall split.
func (System) MonotonicNs() int64 { return monotonicNow() }

var processStart = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(processStart))
}

// Fake is a controllable Clock for tests. Zero value starts at the zero
// time.Time with a zero monotonic counter; advance with Advance.
type Fake struct {
	wall      time.Time
	monotonic int64
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{wall: t}
}

// Now implements Clock.
func (f *Fake) Now() time.Time { return f.wall }

// MonotonicNs implements Clock.
func (f *Fake) MonotonicNs() int64 { return f.monotonic }

// Advance moves both the wall clock and the monotonic counter forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.wall = f.wall.Add(d)
	f.monotonic += int64(d)
}
