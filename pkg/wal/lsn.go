package wal

import "sync/atomic"

// LSNTracker hands out monotonically increasing log sequence numbers.
// Adapted from the teacher's pkg/storage/lsn_tracker.go — moved into
// pkg/wal since LSN assignment is WAL sequencing, not storage-engine
// bookkeeping, and pkg/mvcc's Log (walcodec.go) needs it without pulling
// in the teacher's whole storage package.
type LSNTracker struct {
	current uint64
}

func NewLSNTracker(start uint64) *LSNTracker {
	return &LSNTracker{current: start}
}

// Next increments and returns the next LSN.
func (lt *LSNTracker) Next() uint64 {
	return atomic.AddUint64(&lt.current, 1)
}

// Current returns the last-assigned LSN.
func (lt *LSNTracker) Current() uint64 {
	return atomic.LoadUint64(&lt.current)
}

// Set overwrites the current LSN, used when recovery replays the log and
// needs to resume numbering after the last entry read.
func (lt *LSNTracker) Set(val uint64) {
	atomic.StoreUint64(&lt.current, val)
}
