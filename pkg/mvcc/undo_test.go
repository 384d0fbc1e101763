package mvcc

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/vtreedb/vtree/pkg/btree"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// readBackEntries flushes and reopens the WAL file newTestLog wrote to, so
// tests can exercise UndoAll against the same bytes a recovering Store
// would see, rather than hand-building WALEntry values.
func readBackEntries(t *testing.T, path string) []*wal.WALEntry {
	t.Helper()
	reader, err := wal.NewWALReader(path)
	if err != nil {
		t.Fatalf("NewWALReader: %v", err)
	}
	defer reader.Close()

	var entries []*wal.WALEntry
	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadEntry: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func newTestLogAt(t *testing.T) (*Log, string, *wal.WALWriter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "undo.wal")
	writer, err := wal.NewWALWriter(path, wal.DefaultOptions())
	if err != nil {
		t.Fatalf("NewWALWriter: %v", err)
	}
	t.Cleanup(func() { writer.Close() })
	return NewLog(writer, wal.NewLSNTracker(0)), path, writer
}

func TestUndoInsertRemovesPrimary(t *testing.T) {
	tree := btree.NewTree(4)
	log, path, writer := newTestLogAt(t)
	mgr := txn.NewManager()

	w := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w)

	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	entries := readBackEntries(t, path)
	if err := UndoAll(tree, entries); err != nil {
		t.Fatalf("UndoAll: %v", err)
	}

	w2 := mgr.Begin()
	_, result, _, err := Reconstruct(tree, []byte("k"), w2, mgr, txn.DefaultFlags())
	if err != nil {
		t.Fatalf("Reconstruct after undo: %v", err)
	}
	if result.String() != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND after undoing insert, got %v", result)
	}
}

func TestUndoUpdateRestoresPriorValue(t *testing.T) {
	tree := btree.NewTree(4)
	log, path, writer := newTestLogAt(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags()

	w1 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w1, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w1)

	w2 := mgr.Begin()
	if _, _, err := Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, w2, mgr, flags); err != nil {
		t.Fatalf("update: %v", err)
	}
	mgr.Commit(w2)

	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	entries := readBackEntries(t, path)
	// Undo only the UPDATE entry (newest-first over the whole log would also
	// undo the INSERT, which isn't what this test is isolating).
	var updateOnly []*wal.WALEntry
	for _, e := range entries {
		if e.Header.EntryType == wal.EntryUpdate {
			updateOnly = append(updateOnly, e)
		}
	}
	if len(updateOnly) != 1 {
		t.Fatalf("expected exactly 1 update entry, got %d", len(updateOnly))
	}
	if err := UndoAll(tree, updateOnly); err != nil {
		t.Fatalf("UndoAll: %v", err)
	}

	w3 := mgr.Begin()
	value, result, _, err := Reconstruct(tree, []byte("k"), w3, mgr, flags)
	if err != nil {
		t.Fatalf("Reconstruct after undo: %v", err)
	}
	if result.String() != "OK" {
		t.Fatalf("expected OK after undoing update, got %v", result)
	}
	if string(value) != "v1" {
		t.Fatalf("expected v1 restored after undo, got %q", value)
	}
}

func TestUndoChainedUpdateClears2PLReadLockBit(t *testing.T) {
	tree := btree.NewTree(4)
	log, path, writer := newTestLogAt(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags()
	flags.Serializable = true
	flags.TwoPL = true

	w1 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w1, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w1)

	// w2 reads under 2PL (stamping its own bit in ReadLockCounter), then
	// updates the same key itself — a self-read never conflicts with a
	// self-write (see ssi_test.go) — and its chained update leaves that bit
	// set on the primary until undo clears it.
	w2 := mgr.Begin()
	if _, _, _, err := Lookup(tree, []byte("k"), w2, mgr, flags); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, _, err := Update(tree, log, []byte("k"), func(old []byte) []byte { return []byte("v2") }, w2, mgr, flags); err != nil {
		t.Fatalf("update: %v", err)
	}

	raw, ok := tree.Get(types.ChainKey([]byte("k"), 0))
	if !ok {
		t.Fatalf("primary for k missing before undo")
	}
	before, err := DecodeChainedTuple(raw)
	if err != nil {
		t.Fatalf("decode primary before undo: %v", err)
	}
	if before.ReadLockCounter&(uint64(1)<<w2.ID) == 0 {
		t.Fatalf("expected w2's 2PL bit set on the primary before undo")
	}

	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	entries := readBackEntries(t, path)
	var updateOnly []*wal.WALEntry
	for _, e := range entries {
		if e.Header.EntryType == wal.EntryUpdate {
			updateOnly = append(updateOnly, e)
		}
	}
	if len(updateOnly) != 1 {
		t.Fatalf("expected exactly 1 update entry, got %d", len(updateOnly))
	}
	if err := UndoAll(tree, updateOnly); err != nil {
		t.Fatalf("UndoAll: %v", err)
	}

	raw, ok = tree.Get(types.ChainKey([]byte("k"), 0))
	if !ok {
		t.Fatalf("primary for k missing after undo")
	}
	after, err := DecodeChainedTuple(raw)
	if err != nil {
		t.Fatalf("decode primary after undo: %v", err)
	}
	if after.ReadLockCounter != 0 {
		t.Fatalf("expected ReadLockCounter cleared after undoing w2's own update, got %#x", after.ReadLockCounter)
	}
}

func TestUndoRemoveRestoresValue(t *testing.T) {
	tree := btree.NewTree(4)
	log, path, writer := newTestLogAt(t)
	mgr := txn.NewManager()
	flags := txn.DefaultFlags()

	w1 := mgr.Begin()
	if _, err := Insert(tree, log, []byte("k"), []byte("v1"), w1, mgr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	mgr.Commit(w1)

	w2 := mgr.Begin()
	if _, err := Remove(tree, log, []byte("k"), w2, mgr, flags); err != nil {
		t.Fatalf("remove: %v", err)
	}
	mgr.Commit(w2)

	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	entries := readBackEntries(t, path)
	var removeOnly []*wal.WALEntry
	for _, e := range entries {
		if e.Header.EntryType == wal.EntryDelete {
			removeOnly = append(removeOnly, e)
		}
	}
	if len(removeOnly) != 1 {
		t.Fatalf("expected exactly 1 delete entry, got %d", len(removeOnly))
	}
	if err := UndoAll(tree, removeOnly); err != nil {
		t.Fatalf("UndoAll: %v", err)
	}

	w3 := mgr.Begin()
	value, result, _, err := Reconstruct(tree, []byte("k"), w3, mgr, flags)
	if err != nil {
		t.Fatalf("Reconstruct after undo: %v", err)
	}
	if result.String() != "OK" {
		t.Fatalf("expected OK after undoing remove, got %v", result)
	}
	if string(value) != "v1" {
		t.Fatalf("expected v1 restored after undo, got %q", value)
	}
}
