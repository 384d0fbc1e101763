package mvcc

import (
	"testing"

	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
)

// TestSSIReadTimestampAbortsEarlierWriter exercises spec.md §8 scenario 6's
// read_ts anti-dependency check: a reader with a LATER snapshot stamps the
// primary's read watermark via Lookup, and an EARLIER-tts writer attempting
// to overwrite that same primary must abort rather than risk a
// serialization cycle the earlier writer can't see.
func TestSSIReadTimestampAbortsEarlierWriter(t *testing.T) {
	tree := btree.NewTree(4)
	log := newTestLog(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags()
	flags.Serializable = true

	w0 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w0, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w0)

	wEarly := mgr.Begin() // older snapshot
	wLate := mgr.Begin()  // younger snapshot, TTS > wEarly.TTS
	if wLate.TTS <= wEarly.TTS {
		t.Fatalf("expected wLate.TTS > wEarly.TTS, got %d <= %d", wLate.TTS, wEarly.TTS)
	}

	if _, _, _, err := Lookup(tree, []byte("k"), wLate, mgr, flags); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	result, _, err := Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, wEarly, mgr, flags)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result != vtreeerrors.AbortTx {
		t.Fatalf("expected ABORT_TX for the earlier writer after a later reader stamped read_ts, got %v", result)
	}

	// The later reader itself should still be able to update: self-reads
	// never conflict with self-writes.
	result, _, err = Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, wLate, mgr, flags)
	if err != nil {
		t.Fatalf("update by reader itself: %v", err)
	}
	if result != vtreeerrors.OK {
		t.Fatalf("expected OK for the reader updating its own read, got %v", result)
	}
}

// TestSSIDisabledNeverAborts confirms plain Snapshot Isolation (the
// default, Serializable=false) never consults read_ts, so the same
// sequence that aborts under SSI above succeeds under SI.
func TestSSIDisabledNeverAborts(t *testing.T) {
	tree := btree.NewTree(4)
	log := newTestLog(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags() // Serializable: false

	w0 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w0, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w0)

	wEarly := mgr.Begin()
	wLate := mgr.Begin()

	if _, _, _, err := Lookup(tree, []byte("k"), wLate, mgr, flags); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	result, _, err := Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, wEarly, mgr, flags)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result != vtreeerrors.OK {
		t.Fatalf("expected OK under plain SI (no read tracking), got %v", result)
	}
}

// TestTwoPLReadLockAbortsOtherWriterButNotSelf exercises the 2PL variant of
// the same check: the reader's bit in read_lock_counter blocks a different
// worker's update but not its own.
func TestTwoPLReadLockAbortsOtherWriterButNotSelf(t *testing.T) {
	tree := btree.NewTree(4)
	log := newTestLog(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags()
	flags.Serializable = true
	flags.TwoPL = true

	w0 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w0, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w0)

	reader := mgr.Begin()
	other := mgr.Begin()

	if _, _, _, err := Lookup(tree, []byte("k"), reader, mgr, flags); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	result, _, err := Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, other, mgr, flags)
	if err != nil {
		t.Fatalf("update by other worker: %v", err)
	}
	if result != vtreeerrors.AbortTx {
		t.Fatalf("expected ABORT_TX: other worker conflicts with reader's 2PL read lock, got %v", result)
	}

	result, _, err = Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, reader, mgr, flags)
	if err != nil {
		t.Fatalf("update by reader itself: %v", err)
	}
	if result != vtreeerrors.OK {
		t.Fatalf("expected OK: reader's own read lock never conflicts with its own write, got %v", result)
	}
}
