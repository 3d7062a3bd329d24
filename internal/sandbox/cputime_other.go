//go:build !linux

package sandbox

import "time"

// threadCPUTime is unavailable off Linux; callers fall back to wall time.
func threadCPUTime() (time.Duration, bool) {
	return 0, false
}
