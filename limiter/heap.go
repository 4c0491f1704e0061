package limiter

import (
	"container/heap"
	"time"
)

// timestampHeap implements heap.Interface over consumption times.
// The earliest timestamp is the root.
type timestampHeap []time.Time

func (h timestampHeap) Len() int           { return len(h) }
func (h timestampHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h timestampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timestampHeap) Push(x interface{}) {
	*h = append(*h, x.(time.Time))
}

func (h *timestampHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ts := old[n-1]
	*h = old[0 : n-1]
	return ts
}

// windowLog is the sliding-window log of a single key. It is not safe for
// concurrent use; callers hold the owning entry's mutex.
//
// A heap keeps it ordered by value rather than insertion order, so timestamps
// from a caller whose clock lags slightly are still pruned correctly.
type windowLog struct {
	pq timestampHeap
}

// prune removes every timestamp at or before now - window.
func (l *windowLog) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for l.pq.Len() > 0 && !l.pq[0].After(cutoff) {
		heap.Pop(&l.pq)
	}
}

func (l *windowLog) add(now time.Time, tokens int64) {
	for i := int64(0); i < tokens; i++ {
		heap.Push(&l.pq, now)
	}
}

func (l *windowLog) len() int64 {
	return int64(l.pq.Len())
}

// resetAt is the time the oldest timestamp leaves the window, or now + window
// when the log is empty.
func (l *windowLog) resetAt(now time.Time, window time.Duration) time.Time {
	if l.pq.Len() == 0 {
		return now.Add(window)
	}
	return l.pq[0].Add(window)
}
