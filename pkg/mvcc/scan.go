package mvcc

import (
	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
)

// Scan implements the ascending range scan over the logical key space
// restored from original_source's scanAsc (SPEC_FULL.md §9 supplemented
// features) — not a new SQL layer, just a key-ordered visitor
// that skips secondary slots and reconstructs each visible primary via C2,
// shaped like the teacher's pkg/query/scan.go ScanCondition but driven by
// MVCC visibility instead of raw offsets.
//
// visit is called with the logical user key and its reconstructed value,
// in ascending physical-key order starting at startKey (nil means from the
// beginning). Scanning stops early if visit returns false. There is no
// descending scan: the leaf linked list has only a forward Next pointer.
func Scan(tree *btree.BPlusTree, startKey []byte, viewer *txn.Worker, mgr *txn.Manager, flags txn.Flags, visit func(userKey, value []byte) bool) error {
	var scanErr error
	var lastUserKey []byte
	haveLast := false

	tree.SeekRangeAsc(startKey, func(key, value []byte) bool {
		userKey, sn := types.SplitChainKey(key)
		if sn != 0 {
			// Secondary slot: already accounted for by the primary's chain
			// walk, skip it here.
			return true
		}
		if haveLast && bytesEqual(userKey, lastUserKey) {
			return true
		}
		haveLast = true
		lastUserKey = append(lastUserKey[:0], userKey...)

		result, resErr, _, err := Reconstruct(tree, userKey, viewer, mgr, flags)
		if err != nil {
			scanErr = err
			return false
		}
		if resErr != vtreeerrors.OK {
			return true // NOT_FOUND at this snapshot: tombstoned or invisible, keep scanning
		}
		return visit(userKey, result)
	})

	return scanErr
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
