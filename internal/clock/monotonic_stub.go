//go:build !linux

package clock

import "time"

var monotonicStart = time.Now()

// monotonicNow falls back to the Go runtime's monotonic reading, which on
// some platforms excludes time spent suspended.
func monotonicNow() uint64 {
	return uint64(time.Since(monotonicStart))
}
