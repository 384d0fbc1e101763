package mvcc

import (
	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
)

// Lookup implements the lookup(user_key) operation from spec.md §4.3.
// It always delegates to Reconstruct, which reads the primary and any
// secondaries through btree.BPlusTree.Get; Get descends with shared latches
// only, so there is no separate optimistic attempt before the latched one.
// Under SSI, Lookup also records the read so a later writer can detect the
// conflict.
func Lookup(tree *btree.BPlusTree, userKey []byte, viewer *txn.Worker, mgr *txn.Manager, flags txn.Flags) ([]byte, vtreeerrors.Result, int, error) {
	value, result, walked, err := Reconstruct(tree, userKey, viewer, mgr, flags)
	if err == nil && result == vtreeerrors.OK && flags.Serializable {
		if recErr := RecordRead(tree, userKey, viewer, flags); recErr != nil {
			return value, result, walked, recErr
		}
	}
	return value, result, walked, nil
}

// RecordRead implements the SSI/2PL bookkeeping half of lookup(user_key)
// (§4.3: "Under 2PL also record a read lock (bitmap bit) or a read
// timestamp watermark"). It stamps the primary header directly — the
// watermark/bitmap lives on the primary regardless of whether the value a
// reader actually saw came from the primary or a walked secondary, since
// both describe the same logical key's chain for write-conflict purposes.
// A fat-tuple primary carries the same ReadTS/ReadLockCounter fields, so
// it's stamped too. No-op if the primary has since been deleted by GC.
func RecordRead(tree *btree.BPlusTree, userKey []byte, viewer *txn.Worker, flags txn.Flags) error {
	primaryKey := types.ChainKey(userKey, 0)
	return tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		raw := node.Values[idx]
		format, err := PeekFormat(raw)
		if err != nil {
			return nil, err
		}

		if format == FormatFat {
			fat, err := DecodeFatTuple(raw)
			if err != nil {
				return nil, err
			}
			if !stampReadWatermark(&fat.ReadLockCounter, &fat.ReadTS, viewer, flags) {
				return nil, nil
			}
			return fat.Encode(), nil
		}

		primary, err := DecodeChainedTuple(raw)
		if err != nil {
			return nil, err
		}
		if !stampReadWatermark(&primary.ReadLockCounter, &primary.ReadTS, viewer, flags) {
			return nil, nil
		}
		return primary.Encode(), nil
	})
}

// stampReadWatermark updates lockBits (2PL) or readTS (SSI watermark) in
// place for viewer's read, reporting whether anything changed.
func stampReadWatermark(lockBits *uint64, readTS *uint64, viewer *txn.Worker, flags txn.Flags) bool {
	if flags.TwoPL {
		bit := uint64(1) << viewer.ID
		if *lockBits&bit != 0 {
			return false
		}
		*lockBits |= bit
		return true
	}
	if viewer.TTS <= *readTS {
		return false
	}
	*readTS = viewer.TTS
	return true
}
