package mvcc

import (
	"fmt"

	"github.com/vtreedb/vtree/pkg/btree"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// UndoAll replays entries newest-first, calling Undo per entry — the
// transaction manager's abort path from spec.md §4.4. Undo never emits
// WAL.
func UndoAll(tree *btree.BPlusTree, entries []*wal.WALEntry) error {
	for i := len(entries) - 1; i >= 0; i-- {
		if err := Undo(tree, entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// Undo applies the single WAL-type-specific undo rule for entry.
func Undo(tree *btree.BPlusTree, entry *wal.WALEntry) error {
	switch entry.Header.EntryType {
	case wal.EntryInsert:
		return undoInsert(tree, entry)
	case wal.EntryUpdate:
		return undoUpdate(tree, entry)
	case wal.EntryDelete:
		return undoRemove(tree, entry)
	default:
		return fmt.Errorf("undo: unsupported WAL entry type %d", entry.Header.EntryType)
	}
}

// undoInsert: seek (user_key, 0) and physically delete that slot.
func undoInsert(tree *btree.BPlusTree, entry *wal.WALEntry) error {
	p, err := DecodeInsertPayload(entry.Payload)
	if err != nil {
		return err
	}
	tree.Remove(types.ChainKey(p.Key, 0))
	return nil
}

// undoUpdate dispatches on whether the primary is fat, and — if chained —
// whether this transaction's update created a still-reachable secondary
// (the chained case) or applied in place (the single-version case).
func undoUpdate(tree *btree.BPlusTree, entry *wal.WALEntry) error {
	p, err := DecodeUpdatePayload(entry.Payload)
	if err != nil {
		return err
	}
	primaryKey := types.ChainKey(p.Key, 0)

	// Read the newest secondary before the Upsert below latches the
	// primary's leaf: a tree.Get from inside that callback would block.
	var secondary *ChainedTuple
	var secSN uint64
	if raw, ok := tree.Get(primaryKey); ok {
		if head, err := DecodeChainedTuple(raw); err == nil && head.NextSN != 0 {
			secSN = head.NextSN
			if secRaw, ok := tree.Get(types.ChainKey(p.Key, secSN)); ok {
				secondary, _ = DecodeChainedTuple(secRaw)
			}
		}
	}

	return tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("undo update: primary for %x missing", p.Key)
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
			if err := fat.UndoLastUpdate(); err != nil {
				return nil, err
			}
			return fat.Encode(), nil
		}

		primary, err := DecodeChainedTuple(raw)
		if err != nil {
			return nil, err
		}

		if primary.NextSN != 0 && primary.NextSN == secSN {
			if secondary != nil {
				if secondary.WorkerID == p.BeforeWorkerID && secondary.CommitMark == p.BeforeCommitMark {
					diff := DecodeDiff(secondary.Payload)
					primary.Payload = diff.ApplyBackward(primary.Payload)
					primary.WorkerID = secondary.WorkerID
					primary.CommitMark = secondary.CommitMark
					primary.NextSN = secondary.NextSN
					primary.WriteLocked = false
					// Undoing this worker's own update releases whatever 2PL
					// read lock it holds on this chain; otherwise the bit is
					// permanent and every future writer sees a stale conflict.
					primary.ReadLockCounter &^= uint64(1) << p.AfterWorkerID
					// The secondary is intentionally retained: readers whose
					// walk is already past the primary may still find it; GC
					// reclaims it later.
					return primary.Encode(), nil
				}
			}
		}

		primary.Payload = p.Diff.ApplyBackward(primary.Payload)
		primary.WorkerID = p.BeforeWorkerID
		primary.CommitMark = p.BeforeCommitMark
		primary.WriteLocked = false
		return primary.Encode(), nil
	})
}

// undoRemove locates the primary (tombstone) and its secondary (holding
// the pre-remove bytes), reconstructs the primary from the secondary, and
// deletes the secondary.
func undoRemove(tree *btree.BPlusTree, entry *wal.WALEntry) error {
	p, err := DecodeRemovePayload(entry.Payload)
	if err != nil {
		return err
	}
	primaryKey := types.ChainKey(p.Key, 0)

	var secKeyToDelete []byte

	// Read the tombstone's secondary before the Upsert below latches the
	// primary's leaf: a tree.Get from inside that callback would block.
	var secSN uint64
	var secRaw []byte
	if raw, ok := tree.Get(primaryKey); ok {
		if head, err := DecodeChainedTuple(raw); err == nil {
			secSN = head.NextSN
			secRaw, _ = tree.Get(types.ChainKey(p.Key, secSN))
		}
	}

	upsertErr := tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if !exists {
			return nil, fmt.Errorf("undo remove: primary for %x missing", p.Key)
		}
		primary, err := DecodeChainedTuple(node.Values[idx])
		if err != nil {
			return nil, err
		}
		secKey := types.ChainKey(p.Key, primary.NextSN)
		if secRaw == nil || primary.NextSN != secSN {
			return nil, fmt.Errorf("undo remove: secondary for %x sn=%d missing", p.Key, primary.NextSN)
		}
		secondary, err := DecodeChainedTuple(secRaw)
		if err != nil {
			return nil, err
		}

		primary.Payload = append([]byte(nil), secondary.Payload...)
		primary.IsRemoved = false
		primary.WorkerID = secondary.WorkerID
		primary.CommitMark = secondary.CommitMark
		primary.NextSN = secondary.NextSN
		primary.WriteLocked = false

		secKeyToDelete = secKey
		return primary.Encode(), nil
	})
	if upsertErr != nil {
		return upsertErr
	}

	tree.Remove(secKeyToDelete)
	return nil
}
