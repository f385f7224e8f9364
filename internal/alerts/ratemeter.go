// Package alerts holds the alert-side domain services that sit outside the
// message path: the per-client insert-rate meter behind the read surface and
// the periodic notification scheduler with its dedup memory.
package alerts

import (
	"sync"
	"time"
)

const (
	bucketMs        = 5_000
	windowMs        = 60_000
	bucketsInWindow = windowMs / bucketMs

	// seriesScale converts one bucket's count into an inserts/min
	// equivalent for that bucket.
	seriesScale = windowMs / bucketMs
)

// RateMeter tracks per-client insert counts in fixed 5-second buckets over
// a sliding one-minute window. Safe for concurrent use.
type RateMeter struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int
	now     func() time.Time
}

// NewRateMeter creates an empty meter.
func NewRateMeter() *RateMeter {
	return &RateMeter{
		buckets: map[string]map[int64]int{},
		now:     time.Now,
	}
}

func (m *RateMeter) bucketIndex() int64 {
	return m.now().UnixMilli() / bucketMs
}

// pruneLocked drops buckets that fell out of the window ending at idx.
func (m *RateMeter) pruneLocked(clientID string, idx int64) {
	floor := idx - bucketsInWindow + 1
	for i := range m.buckets[clientID] {
		if i < floor {
			delete(m.buckets[clientID], i)
		}
	}
}

// RecordInserts adds n inserts to the client's current bucket. No-op when
// clientID is empty or n is not positive.
func (m *RateMeter) RecordInserts(clientID string, n int) {
	if clientID == "" || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.bucketIndex()
	if m.buckets[clientID] == nil {
		m.buckets[clientID] = map[int64]int{}
	}
	m.buckets[clientID][idx] += n
	m.pruneLocked(clientID, idx)
}

// InsertsPerMin returns the client's insert count over the last minute.
// The window spans exactly one minute, so the sum is the per-minute rate.
func (m *RateMeter) InsertsPerMin(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(clientID, m.bucketIndex())
	total := 0
	for _, n := range m.buckets[clientID] {
		total += n
	}
	return total
}

// InsertsSeries returns the last points buckets in chronological order,
// each scaled to an inserts/min equivalent. Buckets with no inserts read
// as zero. points defaults to a full window and is capped at one.
func (m *RateMeter) InsertsSeries(clientID string, points int) []int {
	if points <= 0 || points > bucketsInWindow {
		points = bucketsInWindow
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.bucketIndex()
	m.pruneLocked(clientID, idx)

	series := make([]int, points)
	for i := range points {
		bucket := idx - int64(points-1-i)
		series[i] = m.buckets[clientID][bucket] * seriesScale
	}
	return series
}
