package sandbox

import (
	"runtime"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// heapLease admits one script run at a time across the process. The watchdog
// measures process heap growth, which only belongs to a run while no other
// run is allocating.
var heapLease = semaphore.NewWeighted(1)

// heapObjectsBytes returns the bytes currently occupied by heap objects,
// live or not yet swept. Reading it does not stop the world.
func heapObjectsBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// HeapStats is a heap-statistics snapshot of an isolate.
type HeapStats struct {
	UsedBytes  uint64 `json:"used_bytes"`
	PeakBytes  uint64 `json:"peak_bytes"`
	LimitBytes uint64 `json:"limit_bytes"`
}

// heapWatchdog samples heap growth since a baseline and calls trip once the
// growth exceeds limit. It must only run while heapLease is held.
type heapWatchdog struct {
	baseline uint64
	limit    uint64
	interval time.Duration
	peak     atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

func startHeapWatchdog(limit uint64, interval time.Duration, trip func(used uint64)) *heapWatchdog {
	w := &heapWatchdog{
		baseline: heapObjectsBytes(),
		limit:    limit,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop(trip)
	return w
}

func (w *heapWatchdog) loop(trip func(used uint64)) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if w.limit == 0 || w.sample() <= w.limit {
				continue
			}
			// Unswept garbage counts until a collection; only live growth trips.
			runtime.GC()
			if used := w.sample(); used > w.limit {
				trip(used)
				return
			}
		}
	}
}

// sample records and returns the current growth over the baseline.
func (w *heapWatchdog) sample() uint64 {
	now := heapObjectsBytes()
	var used uint64
	if now > w.baseline {
		used = now - w.baseline
	}
	for {
		peak := w.peak.Load()
		if used <= peak || w.peak.CompareAndSwap(peak, used) {
			break
		}
	}
	return used
}

// Stop halts sampling and returns a final snapshot.
func (w *heapWatchdog) Stop() HeapStats {
	close(w.stop)
	<-w.done
	used := w.sample()
	return HeapStats{
		UsedBytes:  used,
		PeakBytes:  w.peak.Load(),
		LimitBytes: w.limit,
	}
}
