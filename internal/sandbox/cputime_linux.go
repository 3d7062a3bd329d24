//go:build linux

package sandbox

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPUTime returns the user+system CPU time consumed by the calling OS
// thread. Callers must hold runtime.LockOSThread for the reading to be
// attributable to one goroutine.
func threadCPUTime() (time.Duration, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0, false
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), true
}
