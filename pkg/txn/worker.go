// Package txn provides the transaction/worker bookkeeping pkg/mvcc builds
// on: worker ids, transaction timestamps, global low-water-mark tracking,
// and staged TODO entries for the garbage collector. It generalizes the
// teacher's pkg/storage/transaction_manager.go (a single global min-LSN
// register) into a full per-worker registry, the way the original btree
// access method expects a transaction-manager collaborator to already
// exist (§6).
package txn

import (
	"sync"

	"github.com/vtreedb/vtree/pkg/btree"
)

// Flags mirrors the "Feature flags" collaborator from §6: threaded
// explicitly through Worker/Manager, never a package global.
type Flags struct {
	// MVCC enables multi-version chains at all; false forces in-place
	// single-version updates (mirrors FLAGS_mv).
	MVCC bool
	// UpdateInChained forces update() to apply the change in place on the
	// primary even when MVCC is on (mirrors FLAGS_vi_fupdate_chained): no
	// secondary is created and no fat-tuple conversion happens.
	UpdateInChained bool
	// FatTupleConversionShift controls the probabilistic fat-tuple
	// conversion: convert roughly 1-in-2^shift updates. A shift of 0
	// converts on every eligible update.
	FatTupleConversionShift uint
	// EnableUpdateTODO stages a TODO after every chained update (mirrors
	// FLAGS_vi_utodo).
	EnableUpdateTODO bool
	// EnableRemoveTODO stages a TODO after every remove (mirrors
	// FLAGS_vi_rtodo).
	EnableRemoveTODO bool
	// MaxChainLength bounds chain walk length before giving up and
	// reporting corruption — see DESIGN.md Open Question (a).
	MaxChainLength int
	// Serializable turns on SSI: lookup() stamps the primary's read
	// watermark (or, under TwoPL, its read-lock bitmap) so a later writer
	// can detect and abort on a conflicting read (§4.3 lookup/update, §8
	// scenario 6). False (plain Snapshot Isolation, no read tracking) is
	// the default, matching spec.md §1 "optional Serializable Snapshot
	// Isolation (SSI)".
	Serializable bool
	// TwoPL selects the 2PL read-lock bitmap over the read_ts watermark for
	// SSI's conflict detection (mirrors FLAGS_2pl). Ignored unless
	// Serializable is also set.
	TwoPL bool
}

// DefaultFlags mirrors the teacher's wal.DefaultOptions() convention: a
// constructor returning sane defaults rather than a package-level var.
func DefaultFlags() Flags {
	return Flags{
		MVCC:                    true,
		UpdateInChained:         false,
		FatTupleConversionShift: 4, // ~1-in-16 updates convert to fat tuple
		EnableUpdateTODO:        true,
		EnableRemoveTODO:        true,
		MaxChainLength:          100,
		Serializable:            false,
		TwoPL:                   false,
	}
}

// WTTS packs a (workerID, tts) pair into one comparable uint64, the same
// way the original composes worker_id+transaction_ts for TODO dispatch
// keys and for the tuple header's (worker_id, commit_mark) identity.
type WTTS uint64

// ComposeWTTS packs workerID (low 16 bits) and tts (high 48 bits) into a
// single ordered key. tts dominates comparisons because commit order, not
// worker identity, is what GC/visibility care about.
func ComposeWTTS(workerID uint16, tts uint64) WTTS {
	return WTTS(tts<<16 | uint64(workerID))
}

func (w WTTS) WorkerID() uint16 { return uint16(w & 0xFFFF) }
func (w WTTS) TTS() uint64      { return uint64(w) >> 16 }

// TODOEntry is a staged garbage-collection task: "the version chain rooted
// at Key had its head retired by WTTS; once no active transaction's
// snapshot can still need the old head, reclaim it."
type TODOEntry struct {
	Key     []byte
	WTTS    WTTS
	Removed bool // true if the retiring op was a remove (tombstone head)

	// Hint is the DanglingPointer from spec.md §4.5(a): the primary's node
	// and latch version captured right after the write that staged this
	// TODO. A zero-value Hint (Node == nil) means the fast path is
	// unavailable and GC must re-descend by key.
	Hint btree.Hint
}

// Worker represents one transactional session, pinned to a single worker
// id for its lifetime, matching §5's "each transaction executes on one
// worker". TTS is assigned once at Begin and doubles as the eventual
// commit mark — there is no separate counter issued at commit time, only a
// durability flag flipped in the owning Manager's commit registry.
type Worker struct {
	ID  uint16
	TTS uint64

	todos []TODOEntry
}

// StageTODO records a GC task to be dispatched once this worker commits.
func (w *Worker) StageTODO(key []byte, wtts WTTS, removed bool, hint btree.Hint) {
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	w.todos = append(w.todos, TODOEntry{Key: keyCopy, WTTS: wtts, Removed: removed, Hint: hint})
}

// DrainTODOs returns and clears the staged TODO list.
func (w *Worker) DrainTODOs() []TODOEntry {
	out := w.todos
	w.todos = nil
	return out
}

// MaxWorkers is the fixed pool size from §5's scheduling model: "each
// pinned to a worker id in [0, 63] (the 2PL read-lock bitmap is 64-bit)".
const MaxWorkers = 64

// Manager tracks active workers (for the global LWM) and a registry of
// which TTS values have actually committed, generalizing
// pkg/storage/transaction_manager.go's TransactionRegistry
// (Register/Unregister/GetMinActiveLSN).
type Manager struct {
	mu        sync.Mutex
	active    map[uint16]*Worker
	committed map[uint64]bool
	freeIDs   []uint16 // recycled worker ids, pool bounded to [0, MaxWorkers)
	nextFresh uint16   // next never-used id, handed out before recycling starts
	counter   uint64   // monotonic TTS source, same pattern as storage.LSNTracker
}

func NewManager() *Manager {
	return &Manager{
		active:    make(map[uint16]*Worker),
		committed: make(map[uint64]bool),
	}
}

// Begin registers a new worker with a TTS pinned to the current counter
// value and returns it. The caller must call Commit or Abort when the
// transaction finishes. Worker ids are drawn from the fixed [0, MaxWorkers)
// pool and recycled on Commit/Abort, so the 2PL read-lock bitmap (one bit
// per id) never runs out of bits.
func (m *Manager) Begin() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint16
	if n := len(m.freeIDs); n > 0 {
		id = m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
	} else if m.nextFresh < MaxWorkers {
		id = m.nextFresh
		m.nextFresh++
	} else {
		panic("txn: worker pool exhausted, more than MaxWorkers concurrently active")
	}

	w := &Worker{ID: id, TTS: m.counter + 1}
	m.counter++
	m.active[id] = w
	return w
}

// Commit marks w's TTS as durably committed, unregisters it from the
// active set, and returns its worker id to the pool, returning its staged
// TODOs for dispatch.
func (m *Manager) Commit(w *Worker) []TODOEntry {
	m.mu.Lock()
	m.committed[w.TTS] = true
	delete(m.active, w.ID)
	m.freeIDs = append(m.freeIDs, w.ID)
	m.mu.Unlock()

	return w.DrainTODOs()
}

// Abort unregisters w without marking it committed and returns its worker
// id to the pool — its writes are expected to already have been undone via
// C4 before this is called.
func (m *Manager) Abort(w *Worker) {
	m.mu.Lock()
	delete(m.active, w.ID)
	m.freeIDs = append(m.freeIDs, w.ID)
	m.mu.Unlock()
}

// IsVisibleForMe implements the transaction-manager collaborator's
// isVisibleForMe: a version is visible to viewer if viewer produced it
// itself (read-your-own-writes, regardless of commit state) or if it was
// produced by a different worker that has since committed at or before
// viewer's snapshot.
func (m *Manager) IsVisibleForMe(targetWorkerID uint16, targetTTS uint64, viewer *Worker) bool {
	if targetWorkerID == viewer.ID {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[targetTTS] && targetTTS <= viewer.TTS
}

// IsVisibleForAll reports whether targetTTS is dominated by the global
// LWM — i.e. every active snapshot can see at least this version, so an
// older one is safe to garbage-collect.
func (m *Manager) IsVisibleForAll(targetTTS uint64) bool {
	return targetTTS <= m.GlobalLWM()
}

// GlobalLWM returns the minimum TTS across all still-active workers, or
// the current counter value if none are active — the point below which no
// live snapshot can still need an old version, directly generalizing
// TransactionRegistry.GetMinActiveLSN.
func (m *Manager) GlobalLWM() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) == 0 {
		return m.counter
	}

	min := ^uint64(0)
	for _, w := range m.active {
		if w.TTS < min {
			min = w.TTS
		}
	}
	return min
}
